package boxfile

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/coldvault/bupstore/internal/bkerrors"
)

func compressPayload(payload []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "zlib compress")
		}
		if err := zw.Close(); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "zlib flush")
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "create zstd writer")
		}
		if _, err := zw.Write(payload); err != nil {
			zw.Close()
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "zstd compress")
		}
		if err := zw.Close(); err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "zstd flush")
		}
		return buf.Bytes(), nil
	default:
		return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: unknown compression %d", c)
	}
}

func decompressPayload(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "zlib decompress")
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "zlib decompress")
		}
		return out, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "create zstd reader")
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.Corruption, err, "zstd decompress")
		}
		return out, nil
	default:
		return nil, bkerrors.New(bkerrors.ConfigError, "boxfile: unknown compression %d", c)
	}
}
