package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutionLogger is the sink a ResultWriter drains into. *DB implements it.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

// ResultWriter buffers terminal job records and writes them off the worker path.
type ResultWriter struct {
	sink         ExecutionLogger
	ch           chan *Execution
	wg           sync.WaitGroup
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
	backoffUnit  time.Duration
}

func NewResultWriter(sink ExecutionLogger, bufferSize int, writeTimeout time.Duration) *ResultWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &ResultWriter{
		sink:         sink,
		ch:           make(chan *Execution, bufferSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		backoffUnit:  100 * time.Millisecond,
	}
}

func (w *ResultWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues a record. A full buffer drops the record rather than block.
func (w *ResultWriter) Log(exec *Execution) {
	select {
	case w.ch <- exec:
	default:
		log.Warn().Str("job_id", exec.ID).Msg("result buffer full, dropping execution record")
	}
}

// Flush stops the writer after draining buffered records, waiting at most timeout.
func (w *ResultWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("result writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("result writer flush timed out")
	}
}

func (w *ResultWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *ResultWriter) writeWithRetry(exec *Execution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		err := w.sink.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoffUnit
			log.Warn().
				Err(err).
				Str("job_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("execution record write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("job_id", exec.ID).
				Msg("execution record write failed permanently after retries")
		}
	}
}
