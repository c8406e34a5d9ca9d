package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// sttctl starts or stops a transcription session on a running stentord.
//
//	go run scripts/sttctl.go -call=1690000000.42
//	go run scripts/sttctl.go -call=1690000000.42 -stop
func main() {
	addr := flag.String("addr", "http://localhost:8021", "")
	callID := flag.String("call", "", "")
	stop := flag.Bool("stop", false, "")
	flag.Parse()
	if *callID == "" {
		fmt.Println("usage: sttctl -call=<call_id> [-stop] [-addr=http://host:port]")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	var req *http.Request
	var err error
	if *stop {
		req, err = http.NewRequest(http.MethodDelete, *addr+"/stt/"+*callID, nil)
	} else {
		body, _ := json.Marshal(map[string]string{"call_id": *callID})
		req, err = http.NewRequest(http.MethodPost, *addr+"/stt", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		fmt.Println("request error:", err)
		os.Exit(1)
	}

	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("request failed:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s %s\n", resp.Status, bytes.TrimSpace(payload))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
