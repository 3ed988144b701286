package scanner

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
)

type job struct {
	seq     int
	res     *resource.Resource
	data    []byte
	readErr error
}

type result struct {
	seq     int
	res     *resource.Resource
	matches []unit.Match
	outcome Outcome
	cause   error
}

// runParallel enumerates and reads on one goroutine, decodes on s.workers
// goroutines with private decoders, and re-sequences results so delivery
// order equals enumeration order.
func (s *Scanner) runParallel(ctx context.Context, it resource.Iterator, emit unit.EmitFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan job, s.workers*2)
	results := make(chan result, s.workers*2)

	g.Go(func() error {
		defer close(jobs)
		for seq := 0; ; seq++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := it.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("enumerating resources: %w", err)
			}
			data, readErr := s.readAll(res)
			select {
			case jobs <- job{seq: seq, res: res, data: data, readErr: readErr}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			dec := unit.NewDecoder(s.markers, s.kinds)
			for j := range jobs {
				r := result{seq: j.seq, res: j.res}
				if j.readErr != nil {
					r.outcome, r.cause = OutcomeUnreadable, j.readErr
				} else {
					dec.Load(j.data)
					ok, err := dec.Decode(func(m unit.Match) { r.matches = append(r.matches, m) })
					r.outcome, r.cause = classify(ok, err), err
				}
				select {
				case results <- r:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]result)
	next := 0
	for r := range results {
		pending[r.seq] = r
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			for _, m := range ready.matches {
				emit(m)
			}
			s.record(ready.res, ready.outcome, ready.cause)
			next++
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scanner) readAll(res *resource.Resource) ([]byte, error) {
	rc, err := res.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, s.maxUnitSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxUnitSize {
		return nil, fmt.Errorf("%w: more than %d bytes", errUnitTooLarge, s.maxUnitSize)
	}
	return data, nil
}
