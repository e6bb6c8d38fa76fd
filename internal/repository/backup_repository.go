package repository

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"lifeline-offline/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kivik/kivik/v4"
	"github.com/golang/snappy"
)

// BackupRepository stores exported snapshots of the local store. Snapshots
// keep encrypted payloads sealed.
type BackupRepository interface {
	Save(ctx context.Context, name string, backup *domain.Backup) error
	Load(ctx context.Context, name string) (*domain.Backup, error)
}

func encodeBackup(backup *domain.Backup) ([]byte, error) {
	data, err := json.Marshal(backup)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backup: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func decodeBackup(data []byte) (*domain.Backup, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress backup: %w", err)
	}
	var backup domain.Backup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup: %w", err)
	}
	if backup.FormatVersion != domain.BackupFormatVersion {
		return nil, fmt.Errorf("unsupported backup format %d", backup.FormatVersion)
	}
	return &backup, nil
}

type fileBackupRepository struct {
	dir string
}

func NewFileBackupRepository(dir string) BackupRepository {
	return &fileBackupRepository{dir: dir}
}

func (r *fileBackupRepository) Save(ctx context.Context, name string, backup *domain.Backup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeBackup(backup)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	path := r.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return os.Rename(tmp, path)
}

func (r *fileBackupRepository) Load(ctx context.Context, name string) (*domain.Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(r.path(name))
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return decodeBackup(data)
}

func (r *fileBackupRepository) path(name string) string {
	return filepath.Join(r.dir, filepath.Base(name)+".backup.sz")
}

type couchBackupRepository struct {
	client *kivik.Client
	dbName string
}

// NewCouchBackupRepository stores snapshots as CouchDB documents with id
// "backup:<name>".
func NewCouchBackupRepository(client *kivik.Client, dbName string) BackupRepository {
	return &couchBackupRepository{
		client: client,
		dbName: dbName,
	}
}

type couchBackupDoc struct {
	ID         string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	ExportedAt int64  `json:"exported_at"`
	Data       string `json:"data"`
}

func (r *couchBackupRepository) Save(ctx context.Context, name string, backup *domain.Backup) error {
	db := r.client.DB(r.dbName)

	data, err := encodeBackup(backup)
	if err != nil {
		return err
	}

	docID := fmt.Sprintf("backup:%s", name)
	doc := couchBackupDoc{
		ID:         docID,
		ExportedAt: backup.ExportedAt,
		Data:       base64.StdEncoding.EncodeToString(data),
	}

	var existing couchBackupDoc
	if err := db.Get(ctx, docID).ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	} else if kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch existing backup: %w", err)
	}

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	return nil
}

func (r *couchBackupRepository) Load(ctx context.Context, name string) (*domain.Backup, error) {
	db := r.client.DB(r.dbName)

	var doc couchBackupDoc
	if err := db.Get(ctx, fmt.Sprintf("backup:%s", name)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find backup: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode backup document: %w", err)
	}
	return decodeBackup(data)
}

type S3BackupConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type s3BackupRepository struct {
	client *s3.Client
	config S3BackupConfig
}

func NewS3BackupRepository(ctx context.Context, cfg S3BackupConfig) (BackupRepository, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &s3BackupRepository{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

func (r *s3BackupRepository) Save(ctx context.Context, name string, backup *domain.Backup) error {
	data, err := encodeBackup(backup)
	if err != nil {
		return err
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.config.Bucket),
		Key:         aws.String(r.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-snappy"),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

func (r *s3BackupRepository) Load(ctx context.Context, name string) (*domain.Backup, error) {
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(r.key(name)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read body failed: %w", err)
	}
	return decodeBackup(data)
}

func (r *s3BackupRepository) key(name string) string {
	prefix := strings.TrimSuffix(r.config.Prefix, "/")
	if prefix == "" {
		return name + ".backup.sz"
	}
	return prefix + "/" + name + ".backup.sz"
}
