// Package registry reads the task-run registry, the source of truth for
// which sandbox instances are known to the product.
package registry

import (
	"context"
	"fmt"
	"net/http"

	graphql "github.com/hasura/go-graphql-client"
)

// Client abstracts the registry reads the maintenance jobs depend on.
type Client interface {
	// KnownInstanceIDs returns the set of instance ids with a registry row.
	KnownInstanceIDs(ctx context.Context) (map[string]struct{}, error)
}

// taskRuns mirrors the task_runs table. This type interacts directly with the
// GraphQL client, which marshals/unmarshals using it.
type taskRuns []struct {
	TeamID     graphql.String `graphql:"team_id"`
	UserID     graphql.String `graphql:"user_id"`
	TaskID     graphql.String `graphql:"task_id"`
	InstanceID graphql.String `graphql:"instance_id"`
}

// queryTaskRunInstances returns every task run bound to a live instance.
type queryTaskRunInstances struct {
	TaskRuns taskRuns `graphql:"task_runs(where: {instance_id: {_is_null: false}})"`
}

// Config holds the GraphQL endpoint parameters.
type Config struct {
	URL         string
	AdminSecret string
}

// GraphQLClient implements Client over the Hasura GraphQL endpoint.
type GraphQLClient struct {
	gql *graphql.Client
}

var _ Client = (*GraphQLClient)(nil)

func NewGraphQLClient(cfg Config) *GraphQLClient {
	client := graphql.NewClient(cfg.URL, http.DefaultClient).
		WithRequestModifier(func(r *http.Request) {
			if cfg.AdminSecret != "" {
				r.Header.Set("x-hasura-admin-secret", cfg.AdminSecret)
			}
		})
	return &GraphQLClient{gql: client}
}

func (c *GraphQLClient) KnownInstanceIDs(ctx context.Context) (map[string]struct{}, error) {
	var q queryTaskRunInstances
	if err := c.gql.Query(ctx, &q, nil); err != nil {
		return nil, fmt.Errorf("query task runs: %w", err)
	}
	ids := make(map[string]struct{}, len(q.TaskRuns))
	for _, run := range q.TaskRuns {
		if run.InstanceID != "" {
			ids[string(run.InstanceID)] = struct{}{}
		}
	}
	return ids, nil
}
