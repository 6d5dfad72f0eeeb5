// Package logmux forwards many log streams to one sink in arrival order.
//
// A Multiplexer owns a bounded FIFO queue and a single consumer goroutine.
// Each forwarded stream gets its own producer goroutine that reads lines and
// enqueues them. Producers block when the queue is full.
package logmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultQueueSize is the queue capacity used when New is given zero.
const DefaultQueueSize = 1024

// maxLineSize bounds a single log line.
const maxLineSize = 1024 * 1024

// Sink consumes one line of one stream.
type Sink func(stream, line string)

// LoggerSink logs every line at info level with a stream field.
func LoggerSink(logger zerolog.Logger) Sink {
	return func(stream, line string) {
		logger.Info().Str("stream", stream).Msg(line)
	}
}

// WriterSink writes lines verbatim to w, without a stream prefix.
func WriterSink(w io.Writer) Sink {
	return func(_, line string) {
		fmt.Fprintln(w, line)
	}
}

type message struct {
	stream string
	line   string
}

// Multiplexer fans log streams into one sink.
type Multiplexer struct {
	sink      Sink
	logger    zerolog.Logger
	queue     chan message
	stop      chan struct{}
	done      chan struct{}
	producers sync.WaitGroup
	closeOnce sync.Once
}

// New creates a multiplexer and starts its consumer.
func New(sink Sink, logger zerolog.Logger, size int) *Multiplexer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	m := &Multiplexer{
		sink:   sink,
		logger: logger,
		queue:  make(chan message, size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.consume()
	return m
}

// Forward starts a producer for r. The returned channel closes once r is
// exhausted and every line has been enqueued.
func (m *Multiplexer) Forward(stream string, r io.Reader) <-chan struct{} {
	finished := make(chan struct{})
	m.producers.Add(1)

	go func() {
		defer m.producers.Done()
		defer close(finished)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case m.queue <- message{stream: stream, line: scanner.Text()}:
			case <-m.stop:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			m.logger.Debug().Err(err).Str("stream", stream).Msg("Log stream ended with error")
			// Keep draining so the writer never blocks on a full pipe
			io.Copy(io.Discard, r)
		}
	}()

	return finished
}

// consume drains the queue into the sink until Close.
func (m *Multiplexer) consume() {
	defer close(m.done)
	for {
		select {
		case msg := <-m.queue:
			m.sink(msg.stream, msg.line)
		case <-m.stop:
			// Flush what producers already enqueued
			for {
				select {
				case msg := <-m.queue:
					m.sink(msg.stream, msg.line)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until every forwarded stream is exhausted.
func (m *Multiplexer) Wait() {
	m.producers.Wait()
}

// Close stops producers, flushes queued lines and stops the consumer.
// Streams still open are abandoned.
func (m *Multiplexer) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
