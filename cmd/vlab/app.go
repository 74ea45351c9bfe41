//go:build !test

package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/config"
	"github.com/jbweber/homelab/vlab/internal/datastore"
	"github.com/jbweber/homelab/vlab/internal/events"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/lifecycle"
	"github.com/jbweber/homelab/vlab/internal/logging"
	"github.com/jbweber/homelab/vlab/internal/network"
	"github.com/jbweber/homelab/vlab/internal/openstack"
	"github.com/jbweber/homelab/vlab/internal/reconcile"
	"github.com/jbweber/homelab/vlab/internal/router"
	"github.com/jbweber/homelab/vlab/internal/vlan"
)

// app is the fully wired orchestrator
type app struct {
	cfg        *config.Config
	store      *datastore.Datastore
	ledger     *ledger.Ledger
	directory  *openstack.Directory
	provider   *network.Provisioner
	router     *router.Gateway
	manager    *lifecycle.Manager
	reconciler *reconcile.Reconciler
	events     events.Publisher
	closers    []func() error
}

// newApp connects to the ledger, the router and the cloud and assembles the manager
func newApp(cfg *config.Config) (*app, error) {
	logger := logging.Logger
	a := &app{cfg: cfg}

	store, err := datastore.Open(cfg.ExpandedDBPath())
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	a.ledger = ledger.New(store.DB, logging.WithComponent("ledger"))

	alloc, err := vlan.NewAllocator(cfg.Network.BaseNetwork)
	if err != nil {
		a.Close()
		return nil, err
	}

	dialer, err := router.NewSSHDialer(router.SSHConfig{
		Host:     cfg.Router.Host,
		Port:     cfg.Router.Port,
		User:     cfg.Router.User,
		Password: cfg.Router.Password,
		HostKey:  cfg.Router.HostKey,
		Timeout:  cfg.Router.DialTimeout,
	}, logging.WithComponent("router"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.router = router.New(dialer, alloc, router.Config{
		UplinkInterface:  cfg.Router.UplinkInterface,
		FirewallPosition: cfg.Router.FirewallPosition,
		DefaultProfile:   cfg.Router.DefaultProfile,
		VPNService:       cfg.Router.VPNService,
		DialRetries:      cfg.Router.DialRetries,
	}, logging.WithComponent("router"))

	clients, err := openstack.Connect(openstack.Config{
		AuthURL:     cfg.OpenStack.AuthURL,
		Username:    cfg.OpenStack.Username,
		Password:    cfg.OpenStack.Password,
		ProjectID:   cfg.OpenStack.ProjectID,
		ProjectName: cfg.OpenStack.ProjectName,
		DomainName:  cfg.OpenStack.DomainName,
		Region:      cfg.OpenStack.Region,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.directory = openstack.NewDirectory(clients.Identity, cfg.OpenStack.LabDomainID)
	a.provider = network.NewProvisioner(openstack.NewNetwork(clients.Network, clients.ProjectID), alloc, network.Config{
		PhysicalNetwork: cfg.Network.PhysicalNetwork,
		DNSServers:      cfg.Network.DNSServers,
	}, logging.WithComponent("network"))

	a.events = a.publisher(logger)

	a.manager = lifecycle.NewManager(lifecycle.Deps{
		Compute:   openstack.NewCompute(clients.Compute),
		Directory: a.directory,
		Images:    openstack.NewImages(clients.Image, clients.Compute),
		Networks:  a.provider,
		Router:    a.router,
		Ledger:    a.ledger,
		Events:    a.events,
	}, lifecycle.Config{
		Limits: lifecycle.Limits{
			InstancesPerLab: cfg.Limits.InstancesPerLab,
			LabsPerUser:     cfg.Limits.LabsPerUser,
		},
		Wait: lifecycle.WaitPolicy{
			Timeout:      cfg.Wait.Timeout,
			PollInterval: cfg.Wait.PollInterval,
		},
	}, logging.WithComponent("lifecycle"))

	a.reconciler = reconcile.New(a.ledger, a.provider, a.router, reconcile.Config{
		MinOrphanAge: cfg.Reconcile.MinOrphanAge,
	}, logger)

	return a, nil
}

// publisher publishes to the broker when one is configured and to the log otherwise
func (a *app) publisher(logger zerolog.Logger) events.Publisher {
	if a.cfg.Events.AMQPURL == "" {
		return events.NewLogPublisher(logging.WithComponent("events"))
	}
	p, err := events.Dial(a.cfg.Events.AMQPURL, a.cfg.Events.Exchange)
	if err != nil {
		logger.Warn().Err(err).Msg("event broker unavailable, logging events instead")
		return events.NewLogPublisher(logging.WithComponent("events"))
	}
	a.closers = append(a.closers, p.Close)
	return p
}

// Close releases everything newApp opened, newest first
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close: %w", errors.Join(errs...))
	}
	return nil
}
