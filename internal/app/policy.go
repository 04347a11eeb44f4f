package app

import "github.com/dkeye/voicechat/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(user domain.UserID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the connection.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(domain.UserID) BackpressureAction {
	return DropFrame
}
