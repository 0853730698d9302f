package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
)

type schemaFn func() *memdb.TableSchema

// schemas collects the table definitions registered by each concern's file.
var schemas []schemaFn

func registerSchema(fn schemaFn) {
	schemas = append(schemas, fn)
}

func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// indexTableSchema tracks the highest log index that wrote each table.
func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "index",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}

func walletsTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "wallets",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func ordersTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "orders",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"wallet": {
				Name:         "wallet",
				AllowMissing: true,
				Indexer:      &memdb.StringFieldIndex{Field: "WalletID"},
			},
		},
	}
}

func peersTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "peers",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

func tasksTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "tasks",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
			"executor": {
				Name:         "executor",
				AllowMissing: true,
				Indexer:      &memdb.StringFieldIndex{Field: "Executor"},
			},
		},
	}
}

func taskQueuesTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: "task_queues",
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:    "id",
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "Resource"},
			},
		},
	}
}

func init() {
	registerSchema(indexTableSchema)
	registerSchema(walletsTableSchema)
	registerSchema(ordersTableSchema)
	registerSchema(peersTableSchema)
	registerSchema(tasksTableSchema)
	registerSchema(taskQueuesTableSchema)
}
