package camera

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// worker はハードウェア操作と状態変更を1本のゴルーチンに直列化する
type worker struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newWorker(logger zerolog.Logger, queueSize int) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		tasks:  make(chan func(), queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// post はタスクをキューに積む。停止済みなら false を返す
func (w *worker) post(task func()) bool {
	select {
	case <-w.ctx.Done():
		return false
	default:
	}

	select {
	case w.tasks <- task:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// call はタスクを積んで完了まで待つ
func (w *worker) call(ctx context.Context, task func()) error {
	done := make(chan struct{})
	if !w.post(func() {
		defer close(done)
		task()
	}) {
		return ErrShutdown
	}

	select {
	case <-done:
		return nil
	case <-w.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.tasks:
			w.exec(task)
		}
	}
}

// exec はタスクのpanicでワーカーが止まらないようにする
func (w *worker) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("ワーカータスクでpanicが発生しました")
		}
	}()
	task()
}

// stop はワーカーを停止し、終了を待つ
// 残ったタスクは実行されずに破棄される
func (w *worker) stop() {
	w.cancel()
	w.wg.Wait()
}
