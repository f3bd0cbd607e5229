package rendezvous

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// fetchRetryInterval is how long Fetch waits before asking again for a name
// that is not published yet.
const fetchRetryInterval = 100 * time.Millisecond

// Client is a client for the rendezvous service
type Client struct {
	addr  string
	opts  []grpc.DialOption
	conn  *grpc.ClientConn
	mutex sync.Mutex
}

// NewClient creates a client for the server at addr. A bare host:port is
// resolved through DNS; a target with a scheme is used as is.
func NewClient(addr string, opts ...grpc.DialOption) *Client {
	return &Client{
		addr: addr,
		opts: opts,
	}
}

// Connect connects to the rendezvous server
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		return nil
	}

	target := c.addr
	if !strings.Contains(target, "://") {
		target = "dns:///" + target
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for rendezvous server at %s: %w", c.addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return fmt.Errorf("connection to rendezvous server at %s failed to become ready within timeout", c.addr)
		}
	}

	c.conn = conn
	log.Info().Str("addr", c.addr).Msg("Connected to rendezvous server")
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
		c.conn = nil
	}
	return nil
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("not connected to rendezvous server")
	}
	return c.conn, nil
}

// Fetch returns the advertisement published under name, waiting until the
// owner publishes it or ctx is done.
func (c *Client) Fetch(ctx context.Context, name string) (*Advertisement, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	req := wrapperspb.String(name)
	for {
		resp := new(wrapperspb.BytesValue)
		err := conn.Invoke(ctx, fetchMethod, req, resp)
		if err == nil {
			adv := &Advertisement{}
			if err := adv.UnmarshalBinary(resp.GetValue()); err != nil {
				return nil, fmt.Errorf("failed to decode advertisement %s: %w", name, err)
			}
			log.Debug().Str("name", name).Uint64("len", adv.Length).Msg("Fetched advertisement")
			return adv, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for advertisement %s: %w", name, ctx.Err())
		}
		if status.Code(err) != codes.NotFound {
			return nil, fmt.Errorf("failed to fetch advertisement %s: %w", name, err)
		}

		log.Trace().Str("name", name).Msg("Advertisement not published yet, retrying")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for advertisement %s: %w", name, ctx.Err())
		case <-time.After(fetchRetryInterval):
		}
	}
}

// Release tells the owner the peer no longer uses name.
func (c *Client) Release(ctx context.Context, name string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Invoke(ctx, releaseMethod, wrapperspb.String(name), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("failed to release advertisement %s: %w", name, err)
	}
	log.Debug().Str("name", name).Msg("Released advertisement")
	return nil
}
