// Package storage provides the Postgres-backed persistence layer: domain
// repositories, the prekey bundle directory, and schema migrations.
package storage

import (
	"context"

	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/e2e"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
)

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Groups() group.Repository
	Messages() chat.Repository
	PushSubscriptions() push.Repository
	Bundles() e2e.Directory
}
