package closure

// ScopedLock 在 Release 之前持有一个已锁住的 header
type ScopedLock struct {
	l    Locker
	h    *Header
	info Info
	held bool
}

// Acquire 用 l 锁住 h
func Acquire(l Locker, h *Header) *ScopedLock {
	return &ScopedLock{l: l, h: h, info: l.Lock(h), held: true}
}

// TryAcquire 是不等待、直接放弃的 Acquire
func TryAcquire(l Locker, h *Header) (*ScopedLock, bool) {
	info, ok := l.TryLock(h)
	if !ok {
		return nil, false
	}
	return &ScopedLock{l: l, h: h, info: info, held: true}, true
}

// Info 是 header 被锁住时的状态
func (s *ScopedLock) Info() Info {
	return s.info
}

// Release 解锁并写入新状态
func (s *ScopedLock) Release(info Info) {
	if !s.held {
		panic("closure: release of a lock not held")
	}
	s.held = false
	s.l.Unlock(s.h, info)
}

// ReleaseSame 解锁并恢复原来的状态
func (s *ScopedLock) ReleaseSame() {
	s.Release(s.info)
}

// Object 是由自己的 header 锁保护的值
type Object[T any] struct {
	Header
	value T
}

// NewObject 返回一个未加锁、状态为 info、装着 v 的对象
func NewObject[T any](info Info, v T) *Object[T] {
	o := &Object[T]{value: v}
	o.Init(info)
	return o
}

// With 在对象锁住时运行 fn，之后 header 状态不变
func (o *Object[T]) With(l Locker, fn func(v *T)) {
	s := Acquire(l, &o.Header)
	defer s.ReleaseSame()
	fn(&o.value)
}

// Update 在对象锁住时运行 fn，并写入 fn 返回的状态
func (o *Object[T]) Update(l Locker, fn func(info Info, v *T) Info) {
	s := Acquire(l, &o.Header)
	next := s.Info()
	defer func() { s.Release(next) }()
	next = fn(s.Info(), &o.value)
}
