package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cpjudge/internal/common/storage"
	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	transcriptContentType = "application/zstd"
	maxTranscriptBytes    = 8 << 20
)

// TranscriptStore archives judge client output to object storage as zstd-compressed JSON.
type TranscriptStore struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewTranscriptStore creates a transcript store writing under prefix in bucket.
func NewTranscriptStore(objStorage storage.ObjectStorage, bucket, prefix string) (*TranscriptStore, error) {
	if objStorage == nil || bucket == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("transcript storage requires a client and a bucket")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxTranscriptBytes))
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	if prefix == "" {
		prefix = "transcripts"
	}
	return &TranscriptStore{storage: objStorage, bucket: bucket, prefix: prefix, encoder: enc, decoder: dec}, nil
}

// Key is the object key of a submission's transcript.
func (s *TranscriptStore) Key(submissionID int64) string {
	return fmt.Sprintf("%s/%d.json.zst", s.prefix, submissionID)
}

// Save uploads the transcript, replacing any earlier one for the submission.
func (s *TranscriptStore) Save(ctx context.Context, submissionID int64, transcript *model.Transcript) error {
	if transcript == nil {
		return nil
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript failed: %w", err)
	}
	compressed := s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/3))
	if err := s.storage.PutObject(ctx, s.bucket, s.Key(submissionID), bytes.NewReader(compressed), int64(len(compressed)), transcriptContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "upload transcript failed")
	}
	return nil
}

// Load downloads and decodes a transcript.
func (s *TranscriptStore) Load(ctx context.Context, submissionID int64) (*model.Transcript, error) {
	reader, err := s.storage.GetObject(ctx, s.bucket, s.Key(submissionID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, appErr.New(appErr.NotFound).WithMessage("transcript not found")
		}
		return nil, appErr.Wrapf(err, appErr.StorageError, "download transcript failed")
	}
	defer reader.Close()

	compressed, err := io.ReadAll(io.LimitReader(reader, maxTranscriptBytes))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "read transcript failed")
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "decompress transcript failed")
	}
	var transcript model.Transcript
	if err := json.Unmarshal(raw, &transcript); err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "decode transcript failed")
	}
	return &transcript, nil
}

// PresignURL returns a time-limited download link for the archived transcript.
func (s *TranscriptStore) PresignURL(ctx context.Context, submissionID int64, ttl time.Duration) (string, error) {
	if _, err := s.storage.StatObject(ctx, s.bucket, s.Key(submissionID)); err != nil {
		if storage.IsNotFound(err) {
			return "", appErr.New(appErr.NotFound).WithMessage("transcript not found")
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "stat transcript failed")
	}
	url, err := s.storage.PresignGet(ctx, s.bucket, s.Key(submissionID), ttl)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "presign transcript failed")
	}
	return url, nil
}
