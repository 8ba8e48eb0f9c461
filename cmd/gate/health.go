package main

import (
	"fmt"
	"io"
	"net/http"
)

func runHealthCmd(cfg config, out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost" + cfg.HTTPAddr + "/healthz")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}
