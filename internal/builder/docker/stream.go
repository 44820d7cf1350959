package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cygni/cloudexpress/internal/builder"
)

// drainStream decodes a Docker JSON message stream, forwarding rendered
// lines to the sink. It returns the pushed digest when the stream
// carries one and surfaces in-stream errors as build failures.
func drainStream(r io.Reader, sink builder.LogSink) (string, error) {
	decoder := json.NewDecoder(r)
	var digest string
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return digest, nil
			}
			return digest, fmt.Errorf("decode stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return digest, errors.New(errMsg)
		}
		if d := msg.digest(); d != "" {
			digest = d
		}
		if line := msg.render(); line != "" && sink != nil {
			sink(line)
		}
	}
}

type streamMessage struct {
	Stream         string            `json:"stream"`
	Status         string            `json:"status"`
	ID             string            `json:"id"`
	Progress       string            `json:"progress"`
	ProgressDetail progressDetail    `json:"progressDetail"`
	Error          string            `json:"error"`
	ErrorDetail    streamErrorDetail `json:"errorDetail"`
	Aux            json.RawMessage   `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

type streamErrorDetail struct {
	Message string `json:"message"`
}

type auxDetail struct {
	ID     string `json:"ID"`
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
}

func (m streamMessage) errorMessage() string {
	if strings.TrimSpace(m.Error) != "" {
		return strings.TrimSpace(m.Error)
	}
	if strings.TrimSpace(m.ErrorDetail.Message) != "" {
		return strings.TrimSpace(m.ErrorDetail.Message)
	}
	return ""
}

func (m streamMessage) digest() string {
	if len(m.Aux) == 0 {
		return ""
	}
	var aux auxDetail
	if err := json.Unmarshal(m.Aux, &aux); err != nil {
		return ""
	}
	return aux.Digest
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if strings.TrimSpace(m.ID) != "" {
			parts = append(parts, strings.TrimSpace(m.ID))
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		progress := strings.TrimSpace(m.Progress)
		if progress == "" && (m.ProgressDetail.Current > 0 || m.ProgressDetail.Total > 0) {
			if m.ProgressDetail.Total > 0 {
				progress = fmt.Sprintf("%d/%d", m.ProgressDetail.Current, m.ProgressDetail.Total)
			} else {
				progress = fmt.Sprintf("%d", m.ProgressDetail.Current)
			}
		}
		if progress != "" {
			parts = append(parts, progress)
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}
