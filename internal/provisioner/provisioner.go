package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrMissingFID is returned by Delete for an empty tenant id.
var ErrMissingFID = errors.New("missing fid")

// Provisioner manages tenant agents in one namespace.
type Provisioner struct {
	client    kubernetes.Interface
	namespace string
	image     string
	logger    *slog.Logger
}

type Config struct {
	Client    kubernetes.Interface
	Namespace string
	Image     string
	Logger    *slog.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provisioner{
		client:    cfg.Client,
		namespace: cfg.Namespace,
		image:     cfg.Image,
		logger:    cfg.Logger,
	}
}

// Create validates in and creates the tenant's secret, volume claim and
// deployment, in that order. Objects created before a failure are left in
// place; Delete removes them.
func (p *Provisioner) Create(ctx context.Context, in Input) error {
	if err := in.Validate(); err != nil {
		return err
	}
	fid := string(in.FID)
	log := p.logger.With("fid", fid, "namespace", p.namespace)

	secret := BuildSecret(p.namespace, in)
	if _, err := p.client.CoreV1().Secrets(p.namespace).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create secret %s: %w", secret.Name, err)
	}
	pvc := BuildPVC(p.namespace, fid)
	if _, err := p.client.CoreV1().PersistentVolumeClaims(p.namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create pvc %s: %w", pvc.Name, err)
	}
	deploy := BuildDeployment(p.namespace, p.image, fid)
	if _, err := p.client.AppsV1().Deployments(p.namespace).Create(ctx, deploy, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create deployment %s: %w", deploy.Name, err)
	}

	log.Info("tenant agent provisioned", "deployment", deploy.Name, "image", p.image)
	return nil
}

// Delete removes the tenant's deployment, volume claim and secret. Failures
// are logged and do not stop the remaining deletions.
func (p *Provisioner) Delete(ctx context.Context, fid string) error {
	if fid == "" {
		return ErrMissingFID
	}
	names := ResourceNames(fid)
	log := p.logger.With("fid", fid, "namespace", p.namespace)

	background := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &background}

	steps := []struct {
		kind, name string
		del        func() error
	}{
		{"deployment", names.Deployment, func() error {
			return p.client.AppsV1().Deployments(p.namespace).Delete(ctx, names.Deployment, opts)
		}},
		{"pvc", names.PVC, func() error {
			return p.client.CoreV1().PersistentVolumeClaims(p.namespace).Delete(ctx, names.PVC, opts)
		}},
		{"secret", names.Secret, func() error {
			return p.client.CoreV1().Secrets(p.namespace).Delete(ctx, names.Secret, opts)
		}},
	}
	for _, s := range steps {
		err := s.del()
		switch {
		case err == nil:
			log.Debug("deleted", "kind", s.kind, "name", s.name)
		case apierrors.IsNotFound(err):
			log.Debug("already gone", "kind", s.kind, "name", s.name)
		default:
			log.Warn("delete failed", "kind", s.kind, "name", s.name, "err", err)
		}
	}
	log.Info("tenant agent deleted")
	return nil
}
