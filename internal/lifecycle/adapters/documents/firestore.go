package documents

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rollcall/internal/lifecycle/ports"
	"rollcall/pkg/platform/sentinel"
)

// Firestore implements ports.DocumentStore on Cloud Firestore.
type Firestore struct {
	client *firestore.Client
}

func NewFirestore(client *firestore.Client) (*Firestore, error) {
	if client == nil {
		return nil, errors.New("firestore client is required")
	}
	return &Firestore{client: client}, nil
}

// PutDocument overwrites the document, so repeating it after a timeout is safe.
func (f *Firestore) PutDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	if _, err := f.client.Collection(collection).Doc(id).Set(ctx, fields); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, classifyStatus(err))
	}
	return nil
}

func (f *Firestore) DeleteWhere(ctx context.Context, collection string, filter ports.Filter) (int, error) {
	iter := f.client.Collection(collection).Where(filter.Field, "==", filter.Value).Documents(ctx)
	defer iter.Stop()

	var refs []*firestore.DocumentRef
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("query %s where %s: %w", collection, filter.Field, classifyStatus(err))
		}
		refs = append(refs, snap.Ref)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(refs))
	for _, ref := range refs {
		job, err := bw.Delete(ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("queue delete %s/%s: %w", collection, ref.ID, classifyStatus(err))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	deleted := 0
	var errs []error
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", collection, refs[i].ID, classifyStatus(err)))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func (f *Firestore) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := f.client.Collection(collection).Doc(id).Delete(ctx, firestore.Exists); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classifyStatus(err))
	}
	return nil
}

func classifyStatus(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(sentinel.ErrUnavailable, err)
	}
	switch status.Code(err) {
	case codes.NotFound:
		return errors.Join(sentinel.ErrNotFound, err)
	case codes.AlreadyExists:
		return errors.Join(sentinel.ErrConflict, err)
	case codes.InvalidArgument, codes.PermissionDenied, codes.FailedPrecondition:
		return errors.Join(sentinel.ErrRejected, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return errors.Join(sentinel.ErrUnavailable, err)
	default:
		return err
	}
}
