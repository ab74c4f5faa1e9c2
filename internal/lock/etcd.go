package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EtcdManager stores each lock as a key attached to an etcd lease. etcd
// leases have whole-second granularity, so ttl is rounded up to the next
// second. The fence is the cluster revision at which the lock was written.
type EtcdManager struct {
	kv     clientv3.KV
	leases clientv3.Lease
	prefix string
}

func NewEtcdManager(client *clientv3.Client, prefix string) *EtcdManager {
	return &EtcdManager{
		kv:     client,
		leases: client,
		prefix: strings.TrimSpace(prefix),
	}
}

func (m *EtcdManager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return Lease{}, false, err
	}

	started := time.Now().UTC()
	grant, err := m.leases.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return Lease{}, false, storeError("acquire", key, classifyEtcdError(err))
	}

	token := uuid.NewString()
	storeKey := m.storeKey(key)
	resp, err := m.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(storeKey), "=", 0)).
		Then(clientv3.OpPut(storeKey, token, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		m.revoke(grant.ID)
		return Lease{}, false, storeError("acquire", key, classifyEtcdError(err))
	}
	if !resp.Succeeded {
		m.revoke(grant.ID)
		return Lease{}, false, nil
	}

	return Lease{
		Key:       key,
		Token:     token,
		Fence:     uint64(resp.Header.Revision),
		ExpiresAt: started.Add(time.Duration(grant.TTL) * time.Second),
	}, true, nil
}

func (m *EtcdManager) Release(ctx context.Context, key, token string) (bool, error) {
	key, err := validateRelease(key, token)
	if err != nil {
		return false, err
	}

	storeKey := m.storeKey(key)
	resp, err := m.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(storeKey), "=", token)).
		Then(clientv3.OpGet(storeKey), clientv3.OpDelete(storeKey)).
		Commit()
	if err != nil {
		return false, storeError("release", key, classifyEtcdError(err))
	}
	if !resp.Succeeded {
		return false, nil
	}

	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) == 1 && kvs[0].Lease != 0 {
		m.revoke(clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}

// revoke drops a lease that no longer guards a key. Failures only delay the
// lease's own expiry, so they are ignored.
func (m *EtcdManager) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = m.leases.Revoke(ctx, id)
}

func (m *EtcdManager) storeKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func classifyEtcdError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("etcd unavailable: %w", err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("etcd request timed out: %w", err)
	default:
		return err
	}
}
