package inforecord

import (
	"os"
	"testing"
)

func createTempWithContent(t *testing.T, data []byte) (*os.File, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "inforecord-*")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
