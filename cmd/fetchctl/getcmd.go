package main

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Acquire a resource, showing progress until it completes",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			cmd.Usage()
			os.Exit(exitCodeUsage)
		}
		target := args[0]

		resp, err := doRequest(http.MethodPost, resourcePath(target))
		if err != nil {
			die(err)
		}
		defer resp.Body.Close()

		p := mpb.New(mpb.WithWidth(64))
		var bar *mpb.Bar
		var lastLoaded int64

		err = drainFrames(resp.Body, func(loaded, total uint64, speed float64) {
			if bar == nil && total > 0 {
				bar = p.AddBar(int64(total),
					mpb.PrependDecorators(
						decor.Name(target, decor.WCSyncSpaceR),
						decor.Percentage(decor.WCSyncSpace),
					),
					mpb.AppendDecorators(
						decor.EwmaETA(decor.ET_STYLE_GO, 90),
						decor.Name(" ] "),
						decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60),
					),
				)
			}
			if bar != nil {
				if delta := int64(loaded) - lastLoaded; delta > 0 {
					bar.IncrInt64(delta)
				}
				lastLoaded = int64(loaded)
			}
		})
		p.Wait()

		if err != nil {
			die("acquisition failed:", err)
		}
	},
}
