package libschedule

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/imagevault/imagevault/internal/broker"
	"github.com/imagevault/imagevault/internal/model"
)

type capturingPublisher struct {
	kind broker.Kind
	body []byte
}

func (p *capturingPublisher) Publish(_ context.Context, k broker.Kind, body []byte) error {
	p.kind = k
	p.body = body

	return nil
}

func TestQueueRunnerPublishesLibraryScanMessage(t *testing.T) {
	pub := &capturingPublisher{}
	runner := NewQueueRunner(pub)

	sj := &model.ScheduledJob{ID: bson.NewObjectID(), LibraryID: bson.NewObjectID()}

	require.NoError(t, runner.Run(context.Background(), sj))
	require.Equal(t, broker.KindLibraryScan, pub.kind)
	require.NotEmpty(t, pub.body)
}

func TestLibraryScanWorkerDelegatesToOrchestrator(t *testing.T) {
	store := &fakeOrchStore{library: &model.Library{ID: bson.NewObjectID()}, collections: map[string]*model.Collection{}}
	pub := &fakeOrchPublisher{}
	orch := NewOrchestrator(store, pub)
	worker := NewLibraryScanWorker(orch)

	msg := LibraryScanMessage{ScheduledJobID: bson.NewObjectID(), LibraryID: store.library.ID}

	body, err := json.Marshal(msg)
	require.NoError(t, err)

	require.NoError(t, worker.Handle(context.Background(), broker.Delivery{Body: body}))
}
