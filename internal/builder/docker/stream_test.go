package docker

import (
	"strings"
	"testing"
)

func TestDrainStreamRendersAndCapturesDigest(t *testing.T) {
	input := strings.Join([]string{
		`{"stream":"Step 1/2 : FROM alpine\n"}`,
		`{"status":"Pushing","id":"abc123","progressDetail":{"current":10,"total":20}}`,
		`{"aux":{"Tag":"latest","Digest":"sha256:feedface"}}`,
	}, "\n")

	var lines []string
	digest, err := drainStream(strings.NewReader(input), func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("drainStream: %v", err)
	}
	if digest != "sha256:feedface" {
		t.Fatalf("expected digest, got %q", digest)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 rendered lines, got %d: %v", len(lines), lines)
	}
	if lines[0] != "Step 1/2 : FROM alpine" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[1] != "abc123 Pushing 10/20" {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestDrainStreamSurfacesErrors(t *testing.T) {
	input := `{"errorDetail":{"message":"The command '/bin/sh -c make' returned a non-zero code: 2"}}`
	_, err := drainStream(strings.NewReader(input), nil)
	if err == nil || !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("expected build error, got %v", err)
	}
}
