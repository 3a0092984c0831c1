package idgenerator

import (
	"github.com/google/uuid"
)

type uuidGenerator struct{}

// NewUUID returns a generator of random (version 4) uuids.
func NewUUID() IdGenerator {
	return uuidGenerator{}
}

func (uuidGenerator) NextId() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
