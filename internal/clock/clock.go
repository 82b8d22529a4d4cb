// Package clock отделяет сервисы от time.Now, чтобы истечение сроков
// можно было проверять детерминированно.
package clock

import (
	"sync"
	"time"
)

// Clock источник текущего времени
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real возвращает системные часы (UTC)
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

// FakeClock часы для тестов: время стоит, пока его не сдвинут
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Fake создаёт FakeClock с заданным начальным временем
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance сдвигает время вперёд на d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set устанавливает текущее время
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
