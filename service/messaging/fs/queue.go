package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/storage"

	"github.com/taskmill/taskmill/internal/clock"
	"github.com/taskmill/taskmill/internal/idgen"
	"github.com/taskmill/taskmill/service/messaging"
)

// MessageState represents the state of a message in the filesystem queue
type MessageState string

const (
	// MessageStatePending indicates a message is waiting to be claimed
	MessageStatePending MessageState = "pending"

	// MessageStateProcessing indicates a message has been claimed by a consumer
	MessageStateProcessing MessageState = "processing"

	// MessageStateCompleted indicates a message was successfully processed
	MessageStateCompleted MessageState = "completed"

	// MessageStateFailed indicates a message failed processing
	MessageStateFailed MessageState = "failed"
)

// Message implements messaging.Message for the filesystem queue
type Message[T any] struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Data      T            `json:"data"`
	State     MessageState `json:"state"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`

	queue     *Queue[T]
	processed bool
	mu        sync.Mutex
}

// T returns the message payload
func (m *Message[T]) T() *T {
	return &m.Data
}

// Ack acknowledges that the message was processed successfully
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return fmt.Errorf("message already processed")
	}

	m.processed = true
	m.State = MessageStateCompleted
	m.UpdatedAt = time.Now()
	return m.queue.completeMessage(context.Background(), m)
}

// Nack indicates that the message processing failed; the message is parked in
// the failed directory for operator inspection, never redelivered.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed {
		return fmt.Errorf("message already processed")
	}

	m.processed = true
	m.State = MessageStateFailed
	if err != nil {
		m.Error = err.Error()
	}
	m.UpdatedAt = time.Now()
	return m.queue.failMessage(context.Background(), m)
}

// QueueConfig holds configuration for filesystem queue
type QueueConfig struct {
	// BaseURL is the directory (or afs URL) holding the queue state
	BaseURL string

	// PollInterval is the backoff between listings when Consume blocks on an
	// empty queue
	PollInterval time.Duration
}

// DefaultConfig returns a default queue configuration
func DefaultConfig(baseURL string) QueueConfig {
	return QueueConfig{
		BaseURL:      baseURL,
		PollInterval: 50 * time.Millisecond,
	}
}

// Queue implements a filesystem-based messaging.Queue. Messages are JSON
// files; claiming deletes the pending file and records a processing copy, so
// at most one consumer across any number of processes ever observes a given
// message. FIFO order is preserved by the sortable timestamp prefix on file
// names.
type Queue[T any] struct {
	fs            afs.Service
	config        QueueConfig
	pendingDir    string
	processingDir string
	completedDir  string
	failedDir     string
	mu            sync.Mutex
}

// NewQueue creates a new filesystem-based queue rooted at config.BaseURL
func NewQueue[T any](fs afs.Service, config QueueConfig) (*Queue[T], error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig(config.BaseURL).PollInterval
	}

	q := &Queue[T]{
		fs:            fs,
		config:        config,
		pendingDir:    path.Join(config.BaseURL, "pending"),
		processingDir: path.Join(config.BaseURL, "processing"),
		completedDir:  path.Join(config.BaseURL, "completed"),
		failedDir:     path.Join(config.BaseURL, "failed"),
	}

	ctx := context.Background()
	for _, dir := range []string{q.pendingDir, q.processingDir, q.completedDir, q.failedDir} {
		exists, _ := fs.Exists(ctx, dir)
		if !exists {
			if err := fs.Create(ctx, dir, file.DefaultDirOsMode, true); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return q, nil
}

// Publish adds a new message to the queue
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	message := &Message[T]{
		ID:        idgen.New(),
		Data:      *t,
		State:     MessageStatePending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	message.Name = q.generateFilename(message.ID)

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.uploadMessage(ctx, path.Join(q.pendingDir, message.Name), data)
}

// TryConsume claims the oldest pending message without blocking; it returns
// (nil, nil) when the queue is empty.
func (q *Queue[T]) TryConsume(ctx context.Context) (messaging.Message[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	objects, err := q.fs.List(ctx, q.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}

	var pendingFiles []storage.Object
	for _, obj := range objects {
		if !obj.IsDir() && strings.HasSuffix(obj.Name(), ".json") {
			pendingFiles = append(pendingFiles, obj)
		}
	}
	if len(pendingFiles) == 0 {
		return nil, nil
	}

	// Oldest first; file names carry a zero padded publish timestamp prefix.
	sort.Slice(pendingFiles, func(i, j int) bool {
		return pendingFiles[i].Name() < pendingFiles[j].Name()
	})
	obj := pendingFiles[0]

	message, err := q.readMessageFromURL(ctx, obj.URL())
	if err != nil {
		if exists, _ := q.fs.Exists(ctx, obj.URL()); !exists {
			// Claimed by a competing consumer between listing and read.
			return nil, nil
		}
		// Park the unreadable message so it does not wedge the queue head.
		destURL := path.Join(q.failedDir, fmt.Sprintf("invalid-%s", obj.Name()))
		_ = q.fs.Move(ctx, obj.URL(), destURL)
		return nil, err
	}

	message.State = MessageStateProcessing
	message.UpdatedAt = time.Now()
	message.Name = obj.Name()
	message.queue = q

	updatedData, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal updated message: %w", err)
	}

	// Claim by deleting the pending file first: exactly one consumer across
	// any number of processes succeeds, and a lost race can never leave a
	// stray copy in the processing directory.
	if err := q.fs.Delete(ctx, obj.URL()); err != nil {
		if exists, _ := q.fs.Exists(ctx, obj.URL()); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim message %s: %w", obj.Name(), err)
	}

	// The claim is already durable; the processing copy is bookkeeping for
	// Ack/Nack and its loss must not lose the message.
	if err := q.uploadMessage(ctx, path.Join(q.processingDir, obj.Name()), updatedData); err != nil {
		return message, nil
	}

	return message, nil
}

// Consume claims the oldest pending message, polling with a short backoff
// until one is available or ctx is done.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	for {
		message, err := q.TryConsume(ctx)
		if err != nil {
			return nil, err
		}
		if message != nil {
			return message, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.config.PollInterval):
		}
	}
}

// completeMessage moves a message to the completed directory
func (q *Queue[T]) completeMessage(ctx context.Context, m *Message[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal completed message: %w", err)
	}

	if err := q.uploadMessage(ctx, path.Join(q.completedDir, m.Name), data); err != nil {
		return fmt.Errorf("failed to write message to completed directory: %w", err)
	}
	return q.removeProcessing(ctx, m.Name)
}

// failMessage parks a failed message in the failed directory
func (q *Queue[T]) failMessage(ctx context.Context, m *Message[T]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal failed message: %w", err)
	}

	if err := q.uploadMessage(ctx, path.Join(q.failedDir, m.Name), data); err != nil {
		return fmt.Errorf("failed to write message to failed directory: %w", err)
	}
	return q.removeProcessing(ctx, m.Name)
}

func (q *Queue[T]) removeProcessing(ctx context.Context, name string) error {
	processingPath := path.Join(q.processingDir, name)
	if exists, _ := q.fs.Exists(ctx, processingPath); exists {
		if err := q.fs.Delete(ctx, processingPath); err != nil {
			return fmt.Errorf("failed to delete message from processing directory: %w", err)
		}
	}
	return nil
}

// generateFilename builds a sortable file name: publish order equals
// lexicographic order.
func (q *Queue[T]) generateFilename(id string) string {
	return fmt.Sprintf("%020d-%s.json", clock.Now().UnixNano(), id)
}

// uploadMessage abstracts the common operation of uploading message data
func (q *Queue[T]) uploadMessage(ctx context.Context, path string, data []byte) error {
	return q.fs.Upload(ctx, path, file.DefaultFileOsMode, bytes.NewBuffer(data))
}

// readMessageFromURL abstracts the common operation of reading and unmarshaling a message
func (q *Queue[T]) readMessageFromURL(ctx context.Context, url string) (*Message[T], error) {
	data, err := q.fs.DownloadWithURL(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", url, err)
	}

	var message Message[T]
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message %s: %w", url, err)
	}
	return &message, nil
}

// ensure Queue implements messaging.Queue interface
var _ messaging.Queue[any] = (*Queue[any])(nil)
