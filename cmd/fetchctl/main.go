package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/texpen/fetchcore/api"
	"gitlab.com/texpen/fetchcore/build"
)

var addr string

// exit codes, inspired by sysexits.h
const (
	exitCodeGeneral = 1
	exitCodeUsage   = 64
)

func die(args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(exitCodeGeneral)
}

// decodeError reads an api.Error out of a non-2xx response body.
func decodeError(resp *http.Response) error {
	var apiErr api.Error
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		return err
	}
	return apiErr
}

func non2xx(code int) bool {
	return code < 200 || code > 299
}

// resourcePath builds the /resource/:url path for target, percent-encoding
// it into the single path segment the daemon expects.
func resourcePath(target string) string {
	return "http://" + addr + "/resource/" + url.QueryEscape(target)
}

func doRequest(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.New("no response from fetchd: " + err.Error())
	}
	if non2xx(resp.StatusCode) {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func main() {
	root := &cobra.Command{
		Use:   "fetchctl",
		Short: "fetchctl v" + build.Version + " - talks to a running fetchd over its control API",
	}
	root.PersistentFlags().StringVarP(&addr, "addr", "a", "localhost:7780", "address fetchd is listening on")

	root.AddCommand(getCmd, cancelCmd, integrityCmd, deleteCmd)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeUsage)
	}
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [url]",
	Short: "Cancel an in-flight or queued acquisition",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			cmd.Usage()
			os.Exit(exitCodeUsage)
		}
		resp, err := doRequest(http.MethodPost, resourcePath(args[0])+"/cancel")
		if err != nil {
			die(err)
		}
		resp.Body.Close()
		fmt.Println("cancelled")
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [url]",
	Short: "Delete a cached resource and cancel any in-flight acquisition for it",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			cmd.Usage()
			os.Exit(exitCodeUsage)
		}
		resp, err := doRequest(http.MethodDelete, resourcePath(args[0]))
		if err != nil {
			die(err)
		}
		resp.Body.Close()
		fmt.Println("deleted")
	},
}

var integrityCmd = &cobra.Command{
	Use:   "integrity [url] [checksum]",
	Short: "Check the integrity of a cached resource, optionally against an expected checksum",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) < 1 || len(args) > 2 {
			cmd.Usage()
			os.Exit(exitCodeUsage)
		}
		path := resourcePath(args[0]) + "/integrity"
		if len(args) == 2 {
			path += "?checksum=" + args[1]
		}
		resp, err := doRequest(http.MethodGet, path)
		if err != nil {
			die(err)
		}
		defer resp.Body.Close()
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			die(err)
		}
		fmt.Println(body.Status)
	},
}

// drainFrames reads the newline-JSON progress stream written by the acquire
// handler until it closes, reporting the final frame's error (if any).
func drainFrames(body io.Reader, onFrame func(loaded, total uint64, speed float64)) error {
	dec := json.NewDecoder(body)
	for {
		var frame struct {
			Loaded uint64  `json:"loaded"`
			Total  uint64  `json:"total"`
			Speed  float64 `json:"speed"`
			Done   bool    `json:"done"`
			Error  string  `json:"error"`
		}
		if err := dec.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if frame.Done {
			if frame.Error != "" {
				return errors.New(frame.Error)
			}
			return nil
		}
		if onFrame != nil {
			onFrame(frame.Loaded, frame.Total, frame.Speed)
		}
	}
}
