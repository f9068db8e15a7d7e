package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/osext"
	"github.com/spf13/cobra"

	"gitlab.com/texpen/fetchcore/build"
	"gitlab.com/texpen/fetchcore/modules"
)

var (
	persistDir    string
	apiAddr       string
	maxConcurrent int
)

// defaultPersistDir returns the directory fetchd stores its chunk store,
// content cache, and log in when -d is not given: a "fetchcore-data"
// directory next to the running binary.
func defaultPersistDir() string {
	folder, err := osext.ExecutableFolder()
	if err != nil {
		folder = "."
	}
	return filepath.Join(folder, "fetchcore-data")
}

func main() {
	root := &cobra.Command{
		Use:   "fetchd",
		Short: "fetchd v" + build.Version + " - resumable download scheduler daemon",
		Long:  "fetchd v" + build.Version + " runs the resumable download scheduler as a background daemon, exposed over a local HTTP API.",
		Run:   startDaemon,
	}

	root.Flags().StringVarP(&persistDir, "data-dir", "d", defaultPersistDir(), "directory to store the chunk store, content cache, and log in")
	root.Flags().StringVarP(&apiAddr, "api-addr", "a", "localhost:7780", "address to serve the control API on")
	root.Flags().IntVarP(&maxConcurrent, "max-concurrent", "m", modules.DefaultMaxConcurrent, "maximum number of downloads to run simultaneously")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startDaemon(cmd *cobra.Command, args []string) {
	cfg := modules.DefaultConfig()
	cfg.MaxConcurrent = maxConcurrent

	srv, err := NewServer(persistDir, apiAddr, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "unable to start fetchd:", err)
		os.Exit(1)
	}

	fmt.Printf("fetchd listening on %s, persisting to %s\n", apiAddr, persistDir)
	if err := srv.Serve(); err != nil {
		fmt.Fprintln(os.Stderr, "fetchd exited with error:", err)
		os.Exit(1)
	}
}
