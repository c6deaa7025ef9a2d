package restore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/deltavault/deltavault/internal/codec"
	"github.com/deltavault/deltavault/internal/vaulterr"
)

// BlockSource reads compressed blocks by fingerprint.
type BlockSource interface {
	Read(ctx context.Context, fp string) ([]byte, error)
}

// Decoder turns a stored block back into its original bytes.
type Decoder interface {
	Decompress(data []byte) ([]byte, error)
}

// fetchResult holds the result of loading a single block.
type fetchResult struct {
	index int
	data  []byte
	err   error
}

// blockReader streams the decompressed blocks of a version in sequence
// order. Each block is re-fingerprinted before it is handed out. With a
// prefetch window, blocks are loaded by background workers and reordered
// before delivery.
type blockReader struct {
	ctx    context.Context
	cancel context.CancelFunc
	blocks []string
	store  BlockSource
	codec  Decoder
	window int

	current   []byte
	offset    int
	nextRead  int
	bytesRead int64

	// Prefetch pipeline. A slot is taken before a block is dispatched and
	// given back when the block is handed out, so at most window blocks are
	// in flight or buffered.
	started  bool
	slots    chan struct{}
	resultCh chan fetchResult
	readyBuf map[int]*fetchResult
	wg       sync.WaitGroup

	onBlock func(index int, size int)
}

func newBlockReader(ctx context.Context, blocks []string, store BlockSource, dec Decoder, window int) *blockReader {
	childCtx, cancel := context.WithCancel(ctx)
	return &blockReader{
		ctx:      childCtx,
		cancel:   cancel,
		blocks:   blocks,
		store:    store,
		codec:    dec,
		window:   window,
		readyBuf: make(map[int]*fetchResult),
	}
}

// Read implements io.Reader.
func (r *blockReader) Read(p []byte) (int, error) {
	if r.current == nil || r.offset >= len(r.current) {
		if r.nextRead >= len(r.blocks) {
			return 0, io.EOF
		}
		var err error
		if r.window > 0 {
			err = r.loadNextPrefetched()
		} else {
			err = r.loadNext()
		}
		if err != nil {
			return 0, err
		}
	}

	n := copy(p, r.current[r.offset:])
	r.offset += n
	r.bytesRead += int64(n)
	return n, nil
}

// Close stops prefetch workers and waits for them to exit.
func (r *blockReader) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *blockReader) deliver(data []byte) {
	if r.onBlock != nil {
		r.onBlock(r.nextRead, len(data))
	}
	r.current = data
	r.offset = 0
	r.nextRead++
}

func (r *blockReader) loadNext() error {
	data, err := r.fetch(r.nextRead)
	if err != nil {
		return err
	}
	r.deliver(data)
	return nil
}

// fetch reads, decompresses and verifies block idx.
func (r *blockReader) fetch(idx int) ([]byte, error) {
	fp := r.blocks[idx]

	compressed, err := r.store.Read(r.ctx, fp)
	if err != nil {
		return nil, err
	}
	data, err := r.codec.Decompress(compressed)
	if err != nil {
		return nil, err
	}
	if got := codec.Fingerprint(data); got != fp {
		return nil, vaulterr.Codec("restore.read_block", fp,
			fmt.Errorf("block %d content fingerprint is %s", idx, got))
	}
	return data, nil
}

// startPrefetch launches the producer and worker goroutines.
func (r *blockReader) startPrefetch() {
	r.slots = make(chan struct{}, r.window)
	r.resultCh = make(chan fetchResult, r.window)
	workCh := make(chan int, r.window)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(workCh)
		for i := range r.blocks {
			select {
			case r.slots <- struct{}{}:
			case <-r.ctx.Done():
				return
			}
			select {
			case workCh <- i:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	parallelism := min(r.window, len(r.blocks))
	var workers sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		workers.Go(func() {
			for idx := range workCh {
				data, err := r.fetch(idx)
				select {
				case r.resultCh <- fetchResult{index: idx, data: data, err: err}:
				case <-r.ctx.Done():
					return
				}
			}
		})
	}

	r.wg.Go(func() {
		workers.Wait()
		close(r.resultCh)
	})
}

// loadNextPrefetched waits for the next block in order from the pipeline.
func (r *blockReader) loadNextPrefetched() error {
	if !r.started {
		r.startPrefetch()
		r.started = true
	}

	for {
		if res, ok := r.readyBuf[r.nextRead]; ok {
			delete(r.readyBuf, r.nextRead)
			<-r.slots
			if res.err != nil {
				return res.err
			}
			r.deliver(res.data)
			return nil
		}

		res, ok := <-r.resultCh
		if !ok {
			if err := r.ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("prefetch pipeline closed before block %d was delivered", r.nextRead)
		}

		if res.index == r.nextRead {
			<-r.slots
			if res.err != nil {
				return res.err
			}
			r.deliver(res.data)
			return nil
		}

		// Out of order - buffer it
		r.readyBuf[res.index] = &res
	}
}
