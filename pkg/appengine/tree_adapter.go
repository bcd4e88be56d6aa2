package appengine

import "context"

// treeGateway is the subset of *ostree.Gateway the TreeCheckout adapter
// needs. Declared locally (rather than importing the ostree package
// directly into this interface) so appengine's tests can fake it without
// pulling in the cgo-backed tree-repo bindings.
type treeGateway interface {
	Pull(ctx context.Context, remote, commit string) error
	Checkout(ctx context.Context, commit, srcSubpath, dstPath string) error
}

// GatewayTreeCheckout adapts a tree-repo gateway's (remote, commit) pull
// API to the App Tree engine's (remote, branch, commit) TreeCheckout
// contract — the branch is part of the Target's app URI (spec.md §4.4
// "<branch>@<commit>") but the gateway itself only pulls by commit hash.
type GatewayTreeCheckout struct {
	Gateway treeGateway
}

func (a GatewayTreeCheckout) Pull(ctx context.Context, remote, branch, commit string) error {
	return a.Gateway.Pull(ctx, remote, commit)
}

func (a GatewayTreeCheckout) Checkout(ctx context.Context, commit, srcSubpath, dstPath string) error {
	return a.Gateway.Checkout(ctx, commit, srcSubpath, dstPath)
}

var _ TreeCheckout = GatewayTreeCheckout{}
