package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

// Kinds of Azure Storage resources.
const (
	ResourceTable = "table"
	ResourceQueue = "queue"
)

// Resource names a table or queue the service needs.
type Resource struct {
	Kind string
	Name string
}

// createFunc creates the named resource and reports false when it already
// existed.
type createFunc func(ctx context.Context, name string) (bool, error)

// Provision creates the Azure tables and queues in resources. Existing
// resources are left alone, empty names are skipped. It returns the
// resources that were created.
func Provision(ctx context.Context, connStr string, resources []Resource, logger *log.Logger) ([]Resource, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("table service: %w", err)
	}
	creators := map[string]createFunc{
		ResourceTable: func(ctx context.Context, name string) (bool, error) {
			_, err := svc.NewClient(name).CreateTable(ctx, nil)
			return created(err, string(aztables.TableAlreadyExists))
		},
		ResourceQueue: func(ctx context.Context, name string) (bool, error) {
			q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
			if err != nil {
				return false, err
			}
			_, err = q.Create(ctx, nil)
			return created(err, "QueueAlreadyExists")
		},
	}
	return provision(ctx, resources, creators, logger)
}

func provision(ctx context.Context, resources []Resource, creators map[string]createFunc, logger *log.Logger) ([]Resource, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	seen := make(map[Resource]bool, len(resources))
	var out []Resource
	for _, r := range resources {
		if r.Name == "" || seen[r] {
			continue
		}
		seen[r] = true
		create, ok := creators[r.Kind]
		if !ok {
			return out, fmt.Errorf("unknown resource kind %q", r.Kind)
		}
		isNew, err := create(ctx, r.Name)
		if err != nil {
			return out, fmt.Errorf("create %s %s: %w", r.Kind, r.Name, err)
		}
		entry := logger.WithFields(log.Fields{"kind": r.Kind, "name": r.Name})
		if isNew {
			entry.Info("resource created")
			out = append(out, r)
		} else {
			entry.Debug("resource already exists")
		}
	}
	return out, nil
}

func created(err error, existsCode string) (bool, error) {
	if err == nil {
		return true, nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && (respErr.ErrorCode == existsCode || respErr.StatusCode == http.StatusConflict) {
		return false, nil
	}
	return false, err
}
