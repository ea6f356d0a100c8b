package video_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/credit-ledger/internal/video"
)

func ctx() context.Context {
	return context.Background()
}

// jobLog collects job ids from concurrent workers.
type jobLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *jobLog) add(_ context.Context, job video.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, job.VideoID)
}

func (l *jobLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

var _ = Describe("Pool", func() {
	It("should run every enqueued job", func() {
		seen := &jobLog{}
		pool := video.NewPool(video.PoolConfig{Workers: 2, QueueSize: 10}, seen.add, nil, nil)
		pool.Start()
		defer func() { _ = pool.Shutdown(ctx()) }()

		for _, id := range []string{"a", "b", "c"} {
			Expect(pool.Enqueue(video.Job{VideoID: id})).To(Succeed())
		}

		Eventually(seen.snapshot, time.Second).Should(ConsistOf("a", "b", "c"))
	})

	It("should report a full queue instead of blocking", func() {
		pool := video.NewPool(video.PoolConfig{Workers: 1, QueueSize: 1}, func(context.Context, video.Job) {}, nil, nil)

		Expect(pool.Enqueue(video.Job{VideoID: "a"})).To(Succeed())
		Expect(pool.Enqueue(video.Job{VideoID: "b"})).To(MatchError(video.ErrQueueFull))
	})

	It("should stop workers on shutdown", func() {
		pool := video.NewPool(video.PoolConfig{Workers: 3}, func(context.Context, video.Job) {}, nil, nil)
		pool.Start()

		done := make(chan struct{})
		go func() {
			defer GinkgoRecover()
			Expect(pool.Shutdown(ctx())).To(Succeed())
			close(done)
		}()
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("should drain queued jobs before shutdown returns", func() {
		// Given one busy worker and a backlog
		release := make(chan struct{})
		processed := &jobLog{}
		abandoned := &jobLog{}
		pool := video.NewPool(video.PoolConfig{Workers: 1, QueueSize: 10}, func(c context.Context, job video.Job) {
			if job.VideoID == "a" {
				<-release
			}
			processed.add(c, job)
		}, abandoned.add, nil)
		pool.Start()
		for _, id := range []string{"a", "b", "c", "d"} {
			Expect(pool.Enqueue(video.Job{VideoID: id})).To(Succeed())
		}

		// When
		done := make(chan error, 1)
		go func() { done <- pool.Shutdown(ctx()) }()
		Consistently(done, 50*time.Millisecond).ShouldNot(Receive())
		close(release)

		// Then
		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(processed.snapshot()).To(Equal([]string{"a", "b", "c", "d"}))
		Expect(abandoned.snapshot()).To(BeEmpty())
	})

	It("should abandon what is left once the drain deadline passes", func() {
		// Given a worker stuck on the first job until it is cancelled
		processed := &jobLog{}
		abandoned := &jobLog{}
		pool := video.NewPool(video.PoolConfig{Workers: 1, QueueSize: 10}, func(c context.Context, job video.Job) {
			if job.VideoID == "a" {
				<-c.Done()
			}
			processed.add(c, job)
		}, abandoned.add, nil)
		pool.Start()
		for _, id := range []string{"a", "b", "c", "d"} {
			Expect(pool.Enqueue(video.Job{VideoID: id})).To(Succeed())
		}

		// When
		deadline, cancel := context.WithTimeout(ctx(), 50*time.Millisecond)
		defer cancel()
		err := pool.Shutdown(deadline)

		// Then every accepted job was settled one way or the other
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(processed.snapshot()).To(Equal([]string{"a"}))
		Expect(abandoned.snapshot()).To(ConsistOf("b", "c", "d"))
	})

	It("should refuse jobs after shutdown", func() {
		pool := video.NewPool(video.PoolConfig{Workers: 1}, func(context.Context, video.Job) {}, nil, nil)
		pool.Start()
		Expect(pool.Shutdown(ctx())).To(Succeed())

		Expect(pool.Enqueue(video.Job{VideoID: "late"})).To(MatchError(video.ErrPoolClosed))
		Expect(pool.Shutdown(ctx())).To(Succeed())
	})

	It("should abandon the backlog of a pool that never started", func() {
		abandoned := &jobLog{}
		pool := video.NewPool(video.PoolConfig{Workers: 1, QueueSize: 5}, func(context.Context, video.Job) {}, abandoned.add, nil)
		Expect(pool.Enqueue(video.Job{VideoID: "a"})).To(Succeed())
		Expect(pool.Enqueue(video.Job{VideoID: "b"})).To(Succeed())

		Expect(pool.Shutdown(ctx())).To(Succeed())

		Expect(abandoned.snapshot()).To(Equal([]string{"a", "b"}))
	})
})
