package scaffold

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modoterra/switchyard/pkg/frame"
)

// Result summarizes a consumed event stream. Completed is false when the
// transport ended before a Complete frame arrived, which is not an error.
type Result struct {
	Completed bool
	Success   bool
	ExitCode  int
	Errors    []string
	Skipped   int
	Dropped   int
}

// Consume decodes frames from r until a Complete frame or the end of the
// stream and hands every event to onEvent. Only read failures other than
// io.EOF are returned as errors.
func Consume(ctx context.Context, r io.Reader, onEvent func(frame.Event)) (Result, error) {
	var res Result
	dec := frame.NewDecoder()
	buf := make([]byte, 4096)

	for !dec.Done() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				switch e := ev.(type) {
				case frame.Complete:
					res.Completed = true
					res.Success = e.Success
					res.ExitCode = e.ExitCode
				case frame.Error:
					res.Errors = append(res.Errors, e.Message)
				}
				if onEvent != nil {
					onEvent(ev)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			res.Dropped = dec.Close()
			break
		}
		if err != nil {
			res.Skipped = dec.Skipped()
			return res, fmt.Errorf("read event stream: %w", err)
		}
	}
	res.Skipped = dec.Skipped()
	return res, nil
}

// Post starts a scaffold run on a switchyardd HTTP API at baseURL and
// consumes its event stream.
func Post(ctx context.Context, client *http.Client, baseURL string, req Request, onEvent func(frame.Event)) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	url := strings.TrimRight(baseURL, "/") + "/api/scaffold/run"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("post %s: %s: %s", url, resp.Status, strings.TrimSpace(string(msg)))
	}
	return Consume(ctx, resp.Body, onEvent)
}
