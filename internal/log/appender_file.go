package log

import (
	"fmt"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/ntpctl/internal/config"
)

// NewFileWriter returns a size-rotated file writer.
func NewFileWriter(fc config.FileOutputConfig) (io.WriteCloser, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,  // megabytes
		MaxBackups: fc.Rotation.MaxBackups, // number of backups
		MaxAge:     fc.Rotation.MaxAgeDays, // days
		Compress:   fc.Rotation.Compress,
	}, nil
}

func (m *MultiWriter) AddFileAppender(fc config.FileOutputConfig) (*MultiWriter, error) {
	w, err := NewFileWriter(fc)
	if err != nil {
		return m, err
	}
	m.writers = append(m.writers, w)
	return m, nil
}
