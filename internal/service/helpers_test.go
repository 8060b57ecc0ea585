package service

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type zipEntry struct {
	name    string
	content string
}

func buildZip(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, entry := range entries {
		w, err := writer.Create(entry.name)
		require.NoError(t, err)
		if entry.content != "" {
			_, err = w.Write([]byte(entry.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}
