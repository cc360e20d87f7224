package events

import (
	"context"
	"fmt"
	"io"
	"sync"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/log"
)

// FileSink appends formatted records to a size-rotated file.
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink opens the protostats file described by fc.
func NewFileSink(fc config.FileOutputConfig) (*FileSink, error) {
	w, err := log.NewFileWriter(fc)
	if err != nil {
		return nil, err
	}
	return &FileSink{w: w}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, rec.Format())
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
