package store

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/spf13/cast"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

// CosmosClient is the production DocumentClient, wrapping the Azure SDK.
type CosmosClient struct {
	deps     gateway.Dependencies
	client   *azcosmos.Client
	database string
}

// NewCosmosClient connects to the account named by the data source. The
// database name comes from the data source options.
func NewCosmosClient(deps gateway.Dependencies, ds config.DataSource) (*CosmosClient, error) {
	database := cast.ToString(ds.Options["database"])
	if database == "" {
		return nil, gateway.InitializationError("cosmos data sources need options.database", nil)
	}
	client, err := azcosmos.NewClientFromConnectionString(ds.ConnectionString, nil)
	if err != nil {
		return nil, gateway.InitializationError("cannot connect to the cosmos account", err)
	}
	return &CosmosClient{deps: deps, client: client, database: database}, nil
}

// QueryDocuments runs one SQL-API query against a container. The empty
// partition key makes the query cross-partition.
func (c *CosmosClient) QueryDocuments(ctx context.Context, container, query string, params []NamedParam) ([]map[string]any, error) {
	cc, err := c.client.NewContainer(c.database, container)
	if err != nil {
		return nil, gateway.DatabaseOperationFailed("cannot open container "+container, err)
	}

	opts := &azcosmos.QueryOptions{}
	for _, p := range params {
		opts.QueryParameters = append(opts.QueryParameters, azcosmos.QueryParameter{Name: p.Name, Value: p.Value})
	}

	var rows []map[string]any
	pager := cc.NewQueryItemsPager(query, azcosmos.NewPartitionKey(), opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, gateway.DatabaseOperationFailed("document query failed", err)
		}
		for _, item := range page.Items {
			var row map[string]any
			if err := json.Unmarshal(item, &row); err != nil {
				return nil, gateway.DatabaseOperationFailed("document is not a JSON object", err)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}
