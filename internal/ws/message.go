package ws

import (
	"bytes"
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// Each WebSocket text message carries exactly one STOMP frame, or a lone
// newline as a heart-beat.

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrame returns a nil frame for heart-beats.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// brokerError converts an ERROR frame into an error.
func brokerError(f *frame.Frame) error {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = string(bytes.TrimSpace(f.Body))
	}
	return fmt.Errorf("%w: %s", ErrBrokerError, msg)
}
