package domain

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Body はリクエスト/レスポンスのボディを表す.
// 実装は StreamBody, BufferBody, NoBody の3種に限られる.
type Body interface {
	// Reader はボディ全体を読み出すリーダーを返す.
	Reader() io.ReadCloser
	// Len はボディ長を返す. 不明な場合は -1.
	Len() int64
	// PipeTo はボディを w へ書き出す.
	PipeTo(w io.Writer) (int64, error)
	Close() error

	isBody()
}

// StreamBody はバイトストリームのボディ.
type StreamBody struct {
	rc     io.ReadCloser
	length int64
}

// NewStreamBody は新しいStreamBodyを作成. length が不明なら -1.
func NewStreamBody(rc io.ReadCloser, length int64) *StreamBody {
	return &StreamBody{rc: rc, length: length}
}

func (b *StreamBody) Reader() io.ReadCloser { return b.rc }
func (b *StreamBody) Len() int64            { return b.length }
func (b *StreamBody) Close() error          { return b.rc.Close() }
func (*StreamBody) isBody()                 {}

func (b *StreamBody) PipeTo(w io.Writer) (int64, error) {
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(w, b.rc, buf)
	if cerr := b.rc.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// BufferBody はメモリ上に保持されたボディ.
type BufferBody []byte

// StringBody は文字列からBufferBodyを作成.
func StringBody(s string) BufferBody {
	return BufferBody(s)
}

func (b BufferBody) Reader() io.ReadCloser { return io.NopCloser(bytes.NewReader(b)) }
func (b BufferBody) Len() int64            { return int64(len(b)) }
func (BufferBody) Close() error            { return nil }
func (BufferBody) isBody()                 {}

func (b BufferBody) PipeTo(w io.Writer) (int64, error) {
	n, err := w.Write(b)
	return int64(n), err
}

type noBody struct{}

// NoBody はボディが存在しないことを表す.
var NoBody Body = noBody{}

func (noBody) Reader() io.ReadCloser           { return http.NoBody }
func (noBody) Len() int64                      { return 0 }
func (noBody) Close() error                    { return nil }
func (noBody) PipeTo(io.Writer) (int64, error) { return 0, nil }
func (noBody) isBody()                         {}

// IsEmpty はボディが存在しないかを返す.
func IsEmpty(b Body) bool {
	if b == nil {
		return true
	}
	_, ok := b.(noBody)
	return ok
}

// ReadAll はボディを全て読み込み, 同じ内容のBufferBodyを返す.
// ストリームは消費されるため, 呼び出し側は戻り値でボディを置き換えること.
func ReadAll(b Body) (BufferBody, error) {
	switch v := b.(type) {
	case nil, noBody:
		return BufferBody{}, nil
	case BufferBody:
		return v, nil
	case *StreamBody:
		defer v.rc.Close()
		data, err := io.ReadAll(v.rc)
		if err != nil {
			return nil, err
		}
		return BufferBody(data), nil
	default:
		return nil, fmt.Errorf("unsupported body type %T", b)
	}
}
