package httpclient

import "net/http"

// RequestLifecycleObserver receives the stages of every request that goes
// through a Pipeline. OnFinish is always called once per OnStart.
type RequestLifecycleObserver interface {
	OnStart(req *http.Request)
	OnSuccess(resp *http.Response)
	OnError(err error)
	OnFinish()
}

// completer is implemented by observers that may be missing callbacks.
type completer interface {
	Complete() bool
}

// ObserverFuncs adapts plain functions. All four must be set for the
// observer to take effect.
type ObserverFuncs struct {
	Start   func(req *http.Request)
	Success func(resp *http.Response)
	Error   func(err error)
	Finish  func()
}

// Complete reports whether every callback is present.
func (o ObserverFuncs) Complete() bool {
	return o.Start != nil && o.Success != nil && o.Error != nil && o.Finish != nil
}

// OnStart calls Start if set.
func (o ObserverFuncs) OnStart(req *http.Request) {
	if o.Start != nil {
		o.Start(req)
	}
}

// OnSuccess calls Success if set.
func (o ObserverFuncs) OnSuccess(resp *http.Response) {
	if o.Success != nil {
		o.Success(resp)
	}
}

// OnError calls Error if set.
func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// OnFinish calls Finish if set.
func (o ObserverFuncs) OnFinish() {
	if o.Finish != nil {
		o.Finish()
	}
}

// NopObserver ignores every stage. Pipelines that only need token
// injection register it.
type NopObserver struct{}

func (NopObserver) OnStart(*http.Request)    {}
func (NopObserver) OnSuccess(*http.Response) {}
func (NopObserver) OnError(error)            {}
func (NopObserver) OnFinish()                {}

// MultiObserver fans every stage out to each member in order.
type MultiObserver []RequestLifecycleObserver

// OnStart notifies each member.
func (m MultiObserver) OnStart(req *http.Request) {
	for _, o := range m {
		o.OnStart(req)
	}
}

// OnSuccess notifies each member.
func (m MultiObserver) OnSuccess(resp *http.Response) {
	for _, o := range m {
		o.OnSuccess(resp)
	}
}

// OnError notifies each member.
func (m MultiObserver) OnError(err error) {
	for _, o := range m {
		o.OnError(err)
	}
}

// OnFinish notifies each member.
func (m MultiObserver) OnFinish() {
	for _, o := range m {
		o.OnFinish()
	}
}

// Complete requires every member to be complete.
func (m MultiObserver) Complete() bool {
	for _, o := range m {
		if !isComplete(o) {
			return false
		}
	}
	return true
}

func isComplete(o RequestLifecycleObserver) bool {
	if o == nil {
		return false
	}
	if c, ok := o.(completer); ok {
		return c.Complete()
	}
	return true
}
