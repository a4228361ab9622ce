package camera

import (
	"context"
	"fmt"
)

type result[T any] struct {
	value T
	err   error
}

// pending は非同期操作の完了を待つ呼び出し元を1つだけ保持するレジスタ
// ワーカー上でのみ操作する
type pending[T any] struct {
	name string
	ch   chan result[T]
}

func (p *pending[T]) armed() bool {
	return p.ch != nil
}

// arm は待機用チャンネルを登録する。既に待機中なら拒否する
func (p *pending[T]) arm() (<-chan result[T], error) {
	if p.ch != nil {
		return nil, fmt.Errorf("%s: %w", p.name, ErrOperationPending)
	}
	ch := make(chan result[T], 1)
	p.ch = ch
	return ch, nil
}

// resolve は待機中の呼び出し元に結果を渡す。待機者がいなければ false
func (p *pending[T]) resolve(value T, err error) bool {
	if p.ch == nil {
		return false
	}
	p.ch <- result[T]{value: value, err: err}
	p.ch = nil
	return true
}

// holds は ch が現在の待機者か返す
func (p *pending[T]) holds(ch <-chan result[T]) bool {
	return p.ch != nil && (<-chan result[T])(p.ch) == ch
}

// disarm は呼び出し元が待機をやめた場合に登録を外す
func (p *pending[T]) disarm(ch <-chan result[T]) {
	if p.holds(ch) {
		p.ch = nil
	}
}

// await は結果、ctxの終了、ワーカー停止のいずれかまで待つ
func await[T any](ctx context.Context, w *worker, ch <-chan result[T], abandon func()) (T, error) {
	select {
	case r := <-ch:
		return r.value, r.err
	case <-w.ctx.Done():
		var zero T
		return zero, ErrShutdown
	case <-ctx.Done():
		if abandon != nil {
			w.post(abandon)
		}
		var zero T
		return zero, ctx.Err()
	}
}
