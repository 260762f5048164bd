// Package cluster manages the cluster session a distributed recalculation
// runs in: the namenode connection and the identity it runs as.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/colinmarc/hdfs/v2"
	"github.com/colinmarc/hdfs/v2/hadoopconf"
	krb "github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc"
	"github.com/ukaji3/xlrecalc-go/pkg/recalc/storage"
)

// DefaultAppName names sessions started without an explicit application name.
const DefaultAppName = "xlrecalc"

// Config configures a cluster session.
type Config struct {
	// AppName identifies the session in logs.
	AppName string
	// Namenodes overrides the namenode addresses found in the Hadoop configuration.
	Namenodes []string
	// User is the simple-auth user. Defaults to $HADOOP_USER_NAME, then the OS user.
	User string
	// Krb5Config is the krb5.conf path used when the cluster requires Kerberos.
	Krb5Config string
	// CCache is the Kerberos credential cache path.
	CCache string
	// DialTimeout bounds connecting to a namenode.
	DialTimeout time.Duration
}

// Session is a started cluster session. It must be stopped on every exit path.
type Session struct {
	AppName string
	User    string

	client   *hdfs.Client
	log      *slog.Logger
	started  time.Time
	stopOnce sync.Once
	stopErr  error
}

// Start connects to the cluster using the ambient Hadoop configuration
// ($HADOOP_CONF_DIR / $HADOOP_HOME) overlaid with cfg.
func Start(ctx context.Context, cfg Config, log *slog.Logger) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	conf, err := hadoopconf.LoadFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("%w: loading hadoop configuration: %w", recalc.ErrIO, err)
	}
	opts := hdfs.ClientOptionsFromConf(conf)
	if len(cfg.Namenodes) > 0 {
		opts.Addresses = cfg.Namenodes
	}
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no namenode configured", recalc.ErrIO)
	}

	if opts.KerberosServicePrincipleName != "" {
		kc, err := kerberosClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", recalc.ErrAuthorization, err)
		}
		opts.KerberosClient = kc
		opts.User = kc.Credentials.UserName()
	} else {
		u, err := resolveUser(cfg.User)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving cluster user: %w", recalc.ErrAuthorization, err)
		}
		opts.User = u
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	opts.NamenodeDialFunc = func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	client, err := hdfs.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %v: %w", recalc.ErrIO, opts.Addresses, err)
	}

	s := &Session{
		AppName: cfg.AppName,
		User:    opts.User,
		client:  client,
		log:     log.With("app", cfg.AppName),
		started: time.Now(),
	}
	s.log.Info("started cluster session", "namenodes", opts.Addresses, "user", opts.User)
	return s, nil
}

// FileSystem returns the session's distributed filesystem.
func (s *Session) FileSystem() storage.FileSystem {
	return &FileSystem{client: s.client}
}

// Stop releases the session. It is safe to call more than once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.client.Close()
		s.log.Info("stopped cluster session", "uptime", time.Since(s.started).Round(time.Millisecond))
	})
	return s.stopErr
}

func resolveUser(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if v := os.Getenv("HADOOP_USER_NAME"); v != "" {
		return v, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

func kerberosClient(cfg Config) (*krb.Client, error) {
	confPath := cfg.Krb5Config
	if confPath == "" {
		confPath = os.Getenv("KRB5_CONFIG")
	}
	if confPath == "" {
		confPath = "/etc/krb5.conf"
	}
	krbConf, err := config.Load(confPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", confPath, err)
	}

	ccachePath := cfg.CCache
	if ccachePath == "" {
		ccachePath = os.Getenv("KRB5CCNAME")
	}
	if ccachePath == "" {
		u, err := user.Current()
		if err != nil {
			return nil, err
		}
		ccachePath = "/tmp/krb5cc_" + u.Uid
	}
	ccachePath = strings.TrimPrefix(ccachePath, "FILE:")
	ccache, err := credentials.LoadCCache(ccachePath)
	if err != nil {
		return nil, fmt.Errorf("loading credential cache %s: %w", ccachePath, err)
	}
	kc, err := krb.NewFromCCache(ccache, krbConf)
	if err != nil {
		return nil, err
	}
	if kc.Credentials == nil {
		return nil, errors.New("credential cache holds no principal")
	}
	return kc, nil
}

// FileSystem adapts the session's HDFS client to storage.FileSystem.
type FileSystem struct {
	client *hdfs.Client
}

// Open opens name for reading.
func (fs *FileSystem) Open(name string) (io.ReadCloser, error) {
	f, err := fs.client.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Create creates name for writing. It fails if name exists.
func (fs *FileSystem) Create(name string) (io.WriteCloser, error) {
	f, err := fs.client.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove removes name.
func (fs *FileSystem) Remove(name string) error {
	return fs.client.Remove(name)
}
