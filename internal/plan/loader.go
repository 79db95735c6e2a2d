package plan

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/courseloop/guardrail/internal/cryptoutil"
	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/xerrors"
)

// maxDocBytes bounds a fetched plan document. Plans are small; anything
// bigger is a misconfigured source.
const maxDocBytes = 1 << 20

// SSMClient is the subset of the SSM API the loader uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3Client is the subset of the S3 API the loader uses.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SourceURI locates the plan document:
	//   file:///etc/guardrail/plan.json
	//   ssm:///guardrail/prod/plan
	//   s3://bucket/path/plan.json
	SourceURI string

	// Validation applied to loaded documents. Zero value uses
	// DefaultValidationOptions().
	Validation *ValidationOptions

	// AWS config (uses default if nil). Only consulted for ssm and s3
	// sources; file sources need no credentials.
	AWSConfig *aws.Config

	// Explicit clients override AWSConfig. Used by tests.
	SSMClient SSMClient
	S3Client  S3Client
}

type Loader struct {
	source     Source
	path       string // file path, SSM parameter name, or S3 key
	bucket     string
	validation ValidationOptions
	ssmClient  SSMClient
	s3Client   S3Client
	logger     log.Logger
}

// NewLoader creates a plan Loader for the given source URI.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	l := &Loader{
		logger:     opts.Logger,
		validation: DefaultValidationOptions(),
		ssmClient:  opts.SSMClient,
		s3Client:   opts.S3Client,
	}
	if opts.Validation != nil {
		l.validation = *opts.Validation
	}

	switch {
	case strings.HasPrefix(opts.SourceURI, "file://"):
		l.source = SourceFile
		l.path = strings.TrimPrefix(opts.SourceURI, "file://")
		if l.path == "" {
			return nil, xerrors.Newf("plan source %q has no path", opts.SourceURI)
		}
		return l, nil

	case strings.HasPrefix(opts.SourceURI, "ssm://"):
		l.source = SourceSSM
		l.path = strings.TrimPrefix(opts.SourceURI, "ssm://")
		if l.path == "" {
			return nil, xerrors.Newf("plan source %q has no parameter name", opts.SourceURI)
		}
		if l.ssmClient != nil {
			return l, nil
		}

	case strings.HasPrefix(opts.SourceURI, "s3://"):
		l.source = SourceS3
		rest := strings.TrimPrefix(opts.SourceURI, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return nil, xerrors.Newf("plan source %q needs s3://bucket/key", opts.SourceURI)
		}
		l.bucket, l.path = bucket, key
		if l.s3Client != nil {
			return l, nil
		}

	default:
		return nil, xerrors.Newf("plan source %q has unsupported scheme", opts.SourceURI)
	}

	var awsCfg aws.Config
	var err error
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}

	if l.ssmClient == nil {
		l.ssmClient = ssm.NewFromConfig(awsCfg)
	}
	if l.s3Client == nil {
		l.s3Client = s3.NewFromConfig(awsCfg)
	}
	return l, nil
}

// Source reports where this loader reads from.
func (l *Loader) Source() Source {
	return l.source
}

// Fetch retrieves the raw plan document from the configured source.
func (l *Loader) Fetch(ctx context.Context) ([]byte, error) {
	switch l.source {
	case SourceFile:
		return l.fetchFile()
	case SourceSSM:
		return l.fetchSSM(ctx)
	case SourceS3:
		return l.fetchS3(ctx)
	default:
		return nil, xerrors.Newf("plan loader has no source")
	}
}

func (l *Loader) fetchFile() ([]byte, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "stat plan file %s", l.path)
	}
	if info.Size() > maxDocBytes {
		return nil, xerrors.Newf("plan file %s is %d bytes, maximum is %d", l.path, info.Size(), maxDocBytes)
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read plan file %s", l.path)
	}
	return raw, nil
}

func (l *Loader) fetchSSM(ctx context.Context) ([]byte, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", l.path)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", l.path)
	}

	raw := strings.TrimSpace(*out.Parameter.Value)
	if raw == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", l.path)
	}
	return []byte(raw), nil
}

func (l *Loader) fetchS3(ctx context.Context) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.path),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.bucket, l.path)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, maxDocBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.bucket, l.path)
	}
	if len(raw) > maxDocBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.bucket, l.path, maxDocBytes)
	}
	return raw, nil
}

// Load fetches, parses, and validates the current plan document and returns
// a Snapshot ready for the Manager.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	loadedAt := time.Now().UTC()

	raw, err := l.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	hash := cryptoutil.SHA256Hex(raw)

	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(p, l.validation); err != nil {
		return nil, err
	}

	l.logger.Info(ctx, "loaded plan document",
		"source", string(l.source),
		"version", p.Version,
		"hash", truncHash(hash),
		"operations", len(p.Operations),
	)

	return &Snapshot{
		Plan: p,
		Meta: Meta{
			Version:    p.Version,
			SHA256:     hash,
			Source:     l.source,
			VerifiedAt: time.Now().UTC(),
		},
		LoadedAt: loadedAt,
	}, nil
}

// LoadIntoManager fetches the current plan and updates the manager
func (l *Loader) LoadIntoManager(ctx context.Context, mgr *Manager) error {
	snap, err := l.Load(ctx)
	if err != nil {
		return err
	}
	mgr.Set(*snap)
	return nil
}
