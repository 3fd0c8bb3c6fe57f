package domain

import "errors"

var (
	ErrInvalidTile            = errors.New("invalid tile")
	ErrNoData                 = errors.New("no data for tile")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
	ErrFetchFailed            = errors.New("fetch failed")
	ErrDataProcessing         = errors.New("data processing failed")
	ErrMeshGeneration         = errors.New("mesh generation failed")
	ErrGameObject             = errors.New("game object creation failed")
	ErrCancelled              = errors.New("cancelled")
	ErrShutdown               = errors.New("shut down")
)
