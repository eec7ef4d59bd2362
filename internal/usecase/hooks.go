package usecase

import (
	"context"

	"protero/internal/domain"
)

// RequestTransformer は送出前のリクエストを置き換える.
// nil を返した場合は元のリクエストをそのまま使う.
type RequestTransformer interface {
	TransformRequest(ctx context.Context, req *domain.Request, ex *Exchange) (*domain.Request, error)
}

// RequestTransformerFunc は関数をRequestTransformerとして扱うためのアダプタ
type RequestTransformerFunc func(ctx context.Context, req *domain.Request, ex *Exchange) (*domain.Request, error)

func (f RequestTransformerFunc) TransformRequest(ctx context.Context, req *domain.Request, ex *Exchange) (*domain.Request, error) {
	return f(ctx, req, ex)
}

// ResponseTransformer はクライアントへ返す前のレスポンスを置き換える.
// nil を返した場合は元のレスポンスをそのまま使う.
type ResponseTransformer interface {
	TransformResponse(ctx context.Context, res *domain.Response, ex *Exchange) (*domain.Response, error)
}

// ResponseTransformerFunc は関数をResponseTransformerとして扱うためのアダプタ
type ResponseTransformerFunc func(ctx context.Context, res *domain.Response, ex *Exchange) (*domain.Response, error)

func (f ResponseTransformerFunc) TransformResponse(ctx context.Context, res *domain.Response, ex *Exchange) (*domain.Response, error) {
	return f(ctx, res, ex)
}

// ExchangeObserver はエクスチェンジのライフサイクル通知を受け取る
type ExchangeObserver interface {
	OnRequestFinish(ex *Exchange)
	OnResponse(ex *Exchange)
	OnFinish(ex *Exchange)
	OnAbort(ex *Exchange)
	OnError(ex *Exchange, err error)
}

// ExchangeEvents は必要な通知だけを関数で受け取るためのExchangeObserver
type ExchangeEvents struct {
	RequestFinish func(ex *Exchange)
	Response      func(ex *Exchange)
	Finish        func(ex *Exchange)
	Abort         func(ex *Exchange)
	Error         func(ex *Exchange, err error)
}

var _ ExchangeObserver = ExchangeEvents{}

func (e ExchangeEvents) OnRequestFinish(ex *Exchange) {
	if e.RequestFinish != nil {
		e.RequestFinish(ex)
	}
}

func (e ExchangeEvents) OnResponse(ex *Exchange) {
	if e.Response != nil {
		e.Response(ex)
	}
}

func (e ExchangeEvents) OnFinish(ex *Exchange) {
	if e.Finish != nil {
		e.Finish(ex)
	}
}

func (e ExchangeEvents) OnAbort(ex *Exchange) {
	if e.Abort != nil {
		e.Abort(ex)
	}
}

func (e ExchangeEvents) OnError(ex *Exchange, err error) {
	if e.Error != nil {
		e.Error(ex, err)
	}
}
