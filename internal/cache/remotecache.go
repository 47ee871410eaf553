package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/client"
	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"

	"github.com/arbor-build/arbor/internal/errs"
	"github.com/arbor-build/arbor/internal/pack"
	"github.com/arbor-build/arbor/rule"
)

var remoteLog = logging.MustGetLogger("remote")

// RemoteCache is the D2 ArtifactCache transport: artifact bytes land in
// the Remote Execution API's content-addressable store, and a rule.Key is
// resolved to the CAS digest holding it via the same API's ActionCache
// service, keyed by a synthetic "action digest" derived from the rule key
// itself rather than a real serialized Action proto — narrowed from the
// reference's src/remote package, which speaks the full action-execution
// protocol these same modules also support.
type RemoteCache struct {
	client   *client.Client
	instance string
	timeout  time.Duration
}

// DialRemoteCache dials the remote CAS/ActionCache service and returns a
// ready RemoteCache. Connection setup mirrors the reference's
// dialParams: NoSecurity/TransportCredsOnly toggle plaintext vs TLS, and a
// large max-receive-message-size avoids limiting artifact sizes.
func DialRemoteCache(ctx context.Context, instance, service, casService string, secure bool, timeout time.Duration) (*RemoteCache, error) {
	params := client.DialParams{
		Service:            service,
		CASService:         casService,
		NoSecurity:         !secure,
		TransportCredsOnly: secure,
		DialOpts: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(419430400)),
		},
	}
	cl, err := client.NewClient(ctx, instance, params)
	if err != nil {
		return nil, fmt.Errorf("dialing remote cache: %w", err)
	}
	return &RemoteCache{client: cl, instance: instance, timeout: timeout}, nil
}

// actionDigestFor derives the ActionCache lookup key for a rule key: the
// CAS digest of the key's own bytes. Key bytes are fixed-width, so this
// digest is cheap to compute without touching the network.
func actionDigestFor(key rule.Key) *pb.Digest {
	return digest.NewFromBlob(key[:]).ToProto()
}

// Fetch looks up key's ActionResult, reads the CAS blob its StdoutDigest
// names, and unpacks it into dest. A not-found ActionResult, like any
// other remote error, is reported as a Miss rather than a failure (§4.4).
func (c *RemoteCache) Fetch(ctx context.Context, key rule.Key, dest string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: actionDigestFor(key),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Miss, nil
		}
		remoteLog.Debugf("remote cache lookup failed for key %x: %s", key[:], err)
		return Miss, nil
	}

	blob, _, err := c.client.ReadBlob(ctx, digest.NewFromProtoUnvalidated(resp.StdoutDigest))
	if err != nil {
		return Miss, errs.NewCacheTransient("reading remote cache artifact", err)
	}

	tmp, err := os.CreateTemp("", "arbor-remote-fetch-*.zip")
	if err != nil {
		return Miss, errs.NewCacheTransient("staging fetched artifact", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return Miss, errs.NewCacheTransient("staging fetched artifact", err)
	}
	tmp.Close()

	if err := pack.Unpack(tmp.Name(), dest, pack.OverwriteAndCleanDirectories); err != nil {
		return Miss, errs.NewCacheTransient("unpacking remote cache artifact", err)
	}
	return Hit, nil
}

// Store uploads blob's content to CAS once, then publishes one
// ActionResult per key in info.Keys pointing at it (multi-indexed write,
// §4.4).
func (c *RemoteCache) Store(ctx context.Context, info ArtifactInfo, blob io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := io.ReadAll(blob)
	if err != nil {
		return errs.NewCacheTransient("reading artifact blob", err)
	}
	blobDigest, err := c.client.WriteBlob(ctx, data)
	if err != nil {
		return errs.NewCacheTransient("writing remote cache artifact", err)
	}

	ar := &pb.ActionResult{StdoutDigest: blobDigest.ToProto()}
	for _, key := range info.Keys {
		if _, err := c.client.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
			InstanceName: c.instance,
			ActionDigest: actionDigestFor(key),
			ActionResult: ar,
		}); err != nil {
			return errs.NewCacheTransient("publishing remote cache action result", err)
		}
	}
	return nil
}

// Clean is a best-effort no-op: the remote server's own garbage collection
// reclaims CAS content and ActionCache entries, not individual clients
// (§4.4: the cache is treated as potentially remote and best-effort).
func (c *RemoteCache) Clean(ctx context.Context, key rule.Key) error {
	return nil
}
