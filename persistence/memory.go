package persistence

import (
	"context"

	"water_monitor/models"
)

// Memory keeps nothing; state lives only in the store and is lost on restart
type Memory struct{}

func NewMemory() *Memory { return &Memory{} }

func (*Memory) Name() string { return BackendMemory }

func (*Memory) Save(context.Context, models.Snapshot) error { return nil }

func (*Memory) Load(context.Context) (models.Snapshot, error) {
	return models.NewSnapshot(), nil
}

func (*Memory) Status(context.Context) Status {
	return Status{Connected: false, Backing: BackendMemory}
}

func (*Memory) Close() error { return nil }
