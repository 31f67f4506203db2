package jobs

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"

	"github.com/dmitrymomot/jobqueue/pkg/file"
	"github.com/dmitrymomot/jobqueue/pkg/queue"
)

// File operations
const (
	OpResize    = "resize"
	OpCompress  = "compress"
	OpConvert   = "convert"
	OpThumbnail = "thumbnail"
)

var fileOperations = []string{OpResize, OpCompress, OpConvert, OpThumbnail}

const (
	defaultMaxDimension = 1920
	thumbnailDimension  = 200
	maxSourceSize       = 64 << 20
)

// FilePayload is the data of a process-file job.
// FileURL is the blob key of the uploaded source.
type FilePayload struct {
	FileID     string   `json:"fileId"`
	FileName   string   `json:"fileName"`
	FileType   string   `json:"fileType,omitempty"`
	FileURL    string   `json:"fileUrl"`
	UserID     string   `json:"userId,omitempty"`
	Operations []string `json:"operations"`
	MaxWidth   int      `json:"maxWidth,omitempty"`
	MaxHeight  int      `json:"maxHeight,omitempty"`
}

// FileOutput is one object written by an operation
type FileOutput struct {
	Operation string `json:"operation"`
	Key       string `json:"key"`
	Size      int64  `json:"size"`
}

// FileResult is returned by a completed process-file job
type FileResult struct {
	Success      bool         `json:"success"`
	ProcessedKey string       `json:"processedUrl,omitempty"`
	ThumbnailKey string       `json:"thumbnailUrl,omitempty"`
	Outputs      []FileOutput `json:"outputs"`
}

func (p FilePayload) validate() error {
	if strings.TrimSpace(p.FileID) == "" {
		return errors.New("fileId is required")
	}
	if strings.TrimSpace(p.FileURL) == "" {
		return errors.New("fileUrl is required")
	}
	if len(p.Operations) == 0 {
		return errors.New("at least one operation is required")
	}
	for _, op := range p.Operations {
		if !slices.Contains(fileOperations, op) {
			return fmt.Errorf("unsupported operation %q", op)
		}
	}
	return nil
}

// fileProcessor applies operations in order; image operations work on the
// output of the previous image operation.
type fileProcessor struct {
	store file.BlobStore
}

// NewFileProcessor runs process-file jobs against store.
// Sources that are missing, too large or not images for image operations fail without retries.
func NewFileProcessor(store file.BlobStore) queue.Processor {
	p := &fileProcessor{store: store}
	return queue.NewTypedProcessor(p.process)
}

func (p *fileProcessor) process(ctx context.Context, job *queue.Job, in FilePayload) (any, error) {
	if err := in.validate(); err != nil {
		return nil, queue.Unrecoverable(err)
	}

	src, err := p.load(ctx, in.FileURL)
	if err != nil {
		return nil, err
	}

	name := in.FileName
	if strings.TrimSpace(name) == "" {
		name = in.FileURL
	}
	name = file.SanitizeFilename(name)
	id := file.SanitizeFilename(in.FileID)
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	result := FileResult{Success: true, Outputs: make([]FileOutput, 0, len(in.Operations))}
	current := src

	for i, op := range in.Operations {
		if err := job.UpdateProgress(ctx, (i+1)*100/len(in.Operations)); err != nil {
			return nil, err
		}
		if _, err := job.Log(ctx, "Performing operation: "+op); err != nil {
			return nil, err
		}

		var (
			out []byte
			key string
		)
		switch op {
		case OpCompress:
			out, err = gzipBytes(current)
			key = path.Join("processed", id, name+".gz")
		case OpResize:
			out, err = resizeImage(current, maxDim(in.MaxWidth), maxDim(in.MaxHeight))
			key = path.Join("processed", id, name)
			if err == nil {
				current = out
			}
		case OpConvert:
			out, err = convertToPNG(current)
			key = path.Join("processed", id, base+".png")
			if err == nil {
				current = out
			}
		case OpThumbnail:
			out, err = resizeImage(current, thumbnailDimension, thumbnailDimension)
			key = path.Join("thumbnails", id, name)
		}
		if err != nil {
			return nil, queue.Unrecoverable(fmt.Errorf("%s %s: %w", op, in.FileURL, err))
		}

		info, err := p.store.Put(ctx, key, bytes.NewReader(out), file.Metadata{
			ContentType: file.ContentType(key),
			Attributes: map[string]string{
				"file-id":   in.FileID,
				"user-id":   in.UserID,
				"operation": op,
				"source":    in.FileURL,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store %s output: %w", op, err)
		}

		result.Outputs = append(result.Outputs, FileOutput{Operation: op, Key: info.Key, Size: info.Size})
		if op == OpThumbnail {
			result.ThumbnailKey = info.Key
		} else {
			result.ProcessedKey = info.Key
		}
	}
	return result, nil
}

func (p *fileProcessor) load(ctx context.Context, key string) ([]byte, error) {
	rc, err := p.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, file.ErrFileNotFound) || errors.Is(err, file.ErrInvalidKey) {
			return nil, queue.Unrecoverable(err)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxSourceSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(data) > maxSourceSize {
		return nil, queue.Unrecoverable(fmt.Errorf("%s exceeds %d bytes", key, maxSourceSize))
	}
	return data, nil
}

func maxDim(v int) int {
	if v <= 0 {
		return defaultMaxDimension
	}
	return v
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
