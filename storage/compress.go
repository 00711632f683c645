package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"argus/core"
)

// maxDecodedOutput bounds the memory a stored output blob may expand to
const maxDecodedOutput = 256 << 20

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedOutput))
	})
	return encoder, decoder, codecErr
}

// compressOutput encodes output lines as zstd-compressed JSON. Empty output stores NULL.
func compressOutput(lines []core.OutputLine) ([]byte, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func decompressOutput(blob []byte) ([]core.OutputLine, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	_, dec, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress output: %w", err)
	}
	var lines []core.OutputLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return lines, nil
}
