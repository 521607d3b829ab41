package server

import (
	"context"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lineagekeep/lineagekeep/internal/config"
	"github.com/lineagekeep/lineagekeep/internal/routing"
	"github.com/lineagekeep/lineagekeep/modules/familytree/infrastructure/persistence"
	"github.com/lineagekeep/lineagekeep/modules/familytree/services"
	"github.com/lineagekeep/lineagekeep/pkg/authz"
)

// HandlerOptions lets tests inject service stubs; nil fields are wired
// from the database configured in cfg.
type HandlerOptions struct {
	Allowlist   *routing.Allowlist
	Traversal   services.TraversalService
	Search      services.SearchService
	Mutations   services.MutationService
	Permissions services.PermissionService
	Undo        services.UndoService
}

func NewHandler(cfg config.Config) (http.Handler, error) {
	return NewHandlerWithOptions(cfg, HandlerOptions{})
}

func NewHandlerWithOptions(cfg config.Config, opts HandlerOptions) (http.Handler, error) {
	allowlist := opts.Allowlist
	if allowlist == nil {
		a, err := routing.LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		allowlist = &a
	}
	classifier, err := routing.NewClassifier(*allowlist, "server")
	if err != nil {
		return nil, err
	}

	if opts.Traversal == nil || opts.Search == nil || opts.Mutations == nil ||
		opts.Permissions == nil || opts.Undo == nil {
		wired, err := wireServices(cfg)
		if err != nil {
			return nil, err
		}
		if opts.Traversal == nil {
			opts.Traversal = wired.Traversal
		}
		if opts.Search == nil {
			opts.Search = wired.Search
		}
		if opts.Mutations == nil {
			opts.Mutations = wired.Mutations
		}
		if opts.Permissions == nil {
			opts.Permissions = wired.Permissions
		}
		if opts.Undo == nil {
			opts.Undo = wired.Undo
		}
	}

	router := routing.NewRouter(classifier)

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/tree/branch", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTreeBranch(w, r, opts.Traversal)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/tree/search", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleTreeSearch(w, r, opts.Search)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/tree/nodes", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeInsert(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/tree/nodes/{id}/reparent", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeReparent(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/tree/nodes/{id}/reorder-children", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeReorderChildren(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodDelete, "/api/v1/tree/nodes/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeSoftDelete(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/tree/nodes/{id}/restore", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeRestore(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPatch, "/api/v1/tree/nodes/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleNodeEditFields(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodDelete, "/api/v1/tree/nodes/{id}/subtree", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleSubtreeSoftDelete(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/tree/unions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleUnionAdd(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodDelete, "/api/v1/tree/unions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleUnionRemove(w, r, opts.Mutations)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodGet, "/api/v1/permission", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePermissionEvaluate(w, r, opts.Permissions)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/undo/group/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleUndoGroup(w, r, opts.Undo)
	}))
	router.Handle(routing.RouteClassPublicAPI, http.MethodPost, "/api/v1/undo/entry/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleUndoEntry(w, r, opts.Undo)
	}))

	return router, nil
}

type wiredServices struct {
	Traversal   services.TraversalService
	Search      services.SearchService
	Mutations   services.MutationService
	Permissions services.PermissionService
	Undo        services.UndoService
}

func wireServices(cfg config.Config) (wiredServices, error) {
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return wiredServices{}, err
	}

	tree := persistence.NewTreePGStore(pool)
	audit := persistence.NewAuditPGStore(pool)
	perms := persistence.NewPermissionPGStore(pool)

	search, err := services.NewSearchService(tree, cfg.ChainCacheSize)
	if err != nil {
		return wiredServices{}, err
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return wiredServices{}, err
	}
	roles, err := authz.NewAuthorizer(cfg.AuthzModel, cfg.AuthzPolicy, mode)
	if err != nil {
		return wiredServices{}, err
	}

	return wiredServices{
		Traversal:   services.NewTraversalService(tree),
		Search:      search,
		Mutations:   services.NewMutationService(tree, tree, search),
		Permissions: services.NewPermissionService(perms, roles),
		Undo:        services.NewUndoService(audit, search),
	}, nil
}
