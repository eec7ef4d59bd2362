package domain

// InterceptPolicy は CONNECT 先を復号(MITM)するかどうかを決定する.
// target は CONNECT リクエストの host:port.
type InterceptPolicy interface {
	ShouldIntercept(target string) bool
}

// InterceptFunc は関数をInterceptPolicyとして扱うためのアダプタ.
type InterceptFunc func(target string) bool

func (f InterceptFunc) ShouldIntercept(target string) bool { return f(target) }

// InterceptAll は全ての CONNECT を復号する.
var InterceptAll InterceptPolicy = InterceptFunc(func(string) bool { return true })

// InterceptNone は全ての CONNECT をそのまま中継する.
var InterceptNone InterceptPolicy = InterceptFunc(func(string) bool { return false })
