package handler

import (
	"sync"

	"protero/internal/domain"
	"protero/internal/usecase"
)

// Observer はプロキシ全体の通知を受け取る
type Observer interface {
	// OnOpen はエクスチェンジの処理開始前に呼ばれる. フックはここで登録する.
	OnOpen(ex *usecase.Exchange)
	// OnDirect はローカルパスへのリクエストに既定の応答を返す前に呼ばれる
	OnDirect(req *DirectRequest)
	// OnConnect は CONNECT の経路が決まったときに1回呼ばれる
	OnConnect(t *domain.Tunnel)
}

// Events は必要な通知だけを関数で受け取るためのObserver
type Events struct {
	Open    func(ex *usecase.Exchange)
	Direct  func(req *DirectRequest)
	Connect func(t *domain.Tunnel)
}

var _ Observer = Events{}

func (e Events) OnOpen(ex *usecase.Exchange) {
	if e.Open != nil {
		e.Open(ex)
	}
}

func (e Events) OnDirect(req *DirectRequest) {
	if e.Direct != nil {
		e.Direct(req)
	}
}

func (e Events) OnConnect(t *domain.Tunnel) {
	if e.Connect != nil {
		e.Connect(t)
	}
}

// hub は購読者の一覧を保持する
type hub struct {
	mu   sync.RWMutex
	subs []*subscriber
}

type subscriber struct {
	observer Observer
}

func (h *hub) subscribe(o Observer) func() {
	s := &subscriber{observer: o}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, cur := range h.subs {
			if cur == s {
				h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

func (h *hub) each(fn func(Observer)) {
	h.mu.RLock()
	subs := h.subs
	h.mu.RUnlock()
	for _, s := range subs {
		fn(s.observer)
	}
}

func (h *hub) open(ex *usecase.Exchange) {
	h.each(func(o Observer) { o.OnOpen(ex) })
}

func (h *hub) direct(req *DirectRequest) {
	h.each(func(o Observer) { o.OnDirect(req) })
}

func (h *hub) connect(t *domain.Tunnel) {
	h.each(func(o Observer) { o.OnConnect(t) })
}
