package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// readStream reads server-sent events until the JSON-RPC response with the
// given id arrives. Requests and notifications sent by the server on the same
// stream are skipped.
func readStream(body io.Reader, id int64) (rpcResponse, error) {
	reader := bufio.NewReader(io.LimitReader(body, maxBody))
	for {
		event, data, err := readEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("event stream closed before response")
			}
			return rpcResponse{}, err
		}
		if event != "" && event != "message" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return rpcResponse{}, fmt.Errorf("decode event: %w", err)
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		return resp, nil
	}
}

// readEvent returns the type and data of the next event. Multiple data lines
// are joined with newlines.
func readEvent(reader *bufio.Reader) (string, []byte, error) {
	var (
		event string
		data  []byte
	)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}
