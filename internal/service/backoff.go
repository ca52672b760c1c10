package service

import "time"

// Backoff — экспоненциальная задержка между повторами: Base * 2^(n-1), не более Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay возвращает задержку перед попыткой после n-й неудачи (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
