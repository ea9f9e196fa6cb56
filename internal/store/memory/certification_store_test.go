package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certlane/internal/canonical"
	"github.com/wolfeidau/certlane/internal/models"
	"github.com/wolfeidau/certlane/internal/store"
)

func newCertification(subjectID string) *models.Certification {
	return &models.Certification{
		Fingerprint:   canonical.HashData(uuid.NewString()),
		CertificateID: uuid.Must(uuid.NewV7()),
		SubjectID:     subjectID,
		Status:        models.CertificationStatusIssued,
		PackageData:   []byte(`{"certificate":{}}`),
	}
}

func TestCertificationStore_Create(t *testing.T) {
	t.Run("create new certification", func(t *testing.T) {
		st := NewCertificationStore()
		ctx := context.Background()

		cert := newCertification("session-1")
		require.NoError(t, st.Create(ctx, cert))

		got, err := st.Get(ctx, cert.Fingerprint)
		require.NoError(t, err)
		require.Equal(t, cert.CertificateID, got.CertificateID)
		require.False(t, got.CreatedAt.IsZero())
	})

	t.Run("duplicate fingerprint returns error", func(t *testing.T) {
		st := NewCertificationStore()
		ctx := context.Background()

		cert := newCertification("session-1")
		require.NoError(t, st.Create(ctx, cert))
		require.Equal(t, store.ErrCertificationAlreadyExists, st.Create(ctx, cert))
	})

	t.Run("get returns copy", func(t *testing.T) {
		st := NewCertificationStore()
		ctx := context.Background()

		cert := newCertification("session-1")
		require.NoError(t, st.Create(ctx, cert))

		got, _ := st.Get(ctx, cert.Fingerprint)
		got.PackageData[0] = 'X'

		again, _ := st.Get(ctx, cert.Fingerprint)
		require.Equal(t, byte('{'), again.PackageData[0])
	})
}

func TestCertificationStore_Update(t *testing.T) {
	st := NewCertificationStore()
	ctx := context.Background()

	cert := newCertification("session-1")
	require.NoError(t, st.Create(ctx, cert))

	cert.Status = models.CertificationStatusRevoked
	cert.RevocationReason = models.Ptr("key_compromise")
	cert.RevocationDetail = models.Ptr("laptop stolen")
	cert.SubjectID = "ignored"
	require.NoError(t, st.Update(ctx, cert))

	got, err := st.Get(ctx, cert.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, models.CertificationStatusRevoked, got.Status)
	require.Equal(t, "key_compromise", *got.RevocationReason)
	require.Equal(t, "session-1", got.SubjectID)

	missing := newCertification("session-2")
	require.Equal(t, store.ErrCertificationNotFound, st.Update(ctx, missing))

	t.Run("stale copy is rejected", func(t *testing.T) {
		first, err := st.Get(ctx, cert.Fingerprint)
		require.NoError(t, err)
		second, err := st.Get(ctx, cert.Fingerprint)
		require.NoError(t, err)

		first.PackageData = []byte(`{"first":true}`)
		require.NoError(t, st.Update(ctx, first))

		second.PackageData = []byte(`{"second":true}`)
		require.Equal(t, store.ErrConcurrentUpdate, st.Update(ctx, second))

		got, err := st.Get(ctx, cert.Fingerprint)
		require.NoError(t, err)
		require.Equal(t, `{"first":true}`, string(got.PackageData))
		require.True(t, got.UpdatedAt.Equal(first.UpdatedAt))
	})
}

func TestCertificationStore_List(t *testing.T) {
	st := NewCertificationStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cert := newCertification("session-1")
		cert.CreatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.Create(ctx, cert))
	}
	other := newCertification("session-2")
	other.Status = models.CertificationStatusAnchored
	require.NoError(t, st.Create(ctx, other))

	all, err := st.List(ctx, store.ListCertificationsOptions{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	bySubject, err := st.List(ctx, store.ListCertificationsOptions{SubjectID: "session-1"})
	require.NoError(t, err)
	require.Len(t, bySubject, 3)
	require.True(t, bySubject[0].CreatedAt.After(bySubject[1].CreatedAt))

	anchored, err := st.List(ctx, store.ListCertificationsOptions{Status: models.CertificationStatusAnchored})
	require.NoError(t, err)
	require.Len(t, anchored, 1)

	limited, err := st.List(ctx, store.ListCertificationsOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
}
