package ingestion

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"sesnotify/internal/notification"
)

// memoryStore records every write in memory.
type memoryStore struct {
	mu         sync.Mutex
	mail       map[primitive.ObjectID]notification.Mail
	deliveries []DeliveryDocument
	bounces    []BounceDocument
	complaints []ComplaintDocument

	mailErr   error
	detailErr error
	failMail  func(mail notification.Mail) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{mail: make(map[primitive.ObjectID]notification.Mail)}
}

func (s *memoryStore) InsertMail(ctx context.Context, mail notification.Mail) (primitive.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return primitive.NilObjectID, err
	}
	if s.mailErr != nil {
		return primitive.NilObjectID, s.mailErr
	}
	if s.failMail != nil {
		if err := s.failMail(mail); err != nil {
			return primitive.NilObjectID, err
		}
	}

	id := primitive.NewObjectID()
	s.mu.Lock()
	s.mail[id] = mail
	s.mu.Unlock()
	return id, nil
}

func (s *memoryStore) InsertDelivery(ctx context.Context, doc DeliveryDocument) error {
	if s.detailErr != nil {
		return s.detailErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, doc)
	return nil
}

func (s *memoryStore) InsertBounce(ctx context.Context, doc BounceDocument) error {
	if s.detailErr != nil {
		return s.detailErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounces = append(s.bounces, doc)
	return nil
}

func (s *memoryStore) InsertComplaint(ctx context.Context, doc ComplaintDocument) error {
	if s.detailErr != nil {
		return s.detailErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complaints = append(s.complaints, doc)
	return nil
}

func (s *memoryStore) mailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mail)
}

type staticProvider struct {
	store Store
	err   error
	calls int
}

func (p *staticProvider) Store(ctx context.Context) (Store, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.store, nil
}
