package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ivan/internal/mapstate"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/orders"
	"github.com/example/ivan/internal/stations"
	"github.com/example/ivan/internal/tickets"
)

func (c *cli) ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			list, err := c.client.Orders.List(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(list)
		},
	}
	act := func(use, short string, fn func(b *orders.Book, ctx context.Context, id models.ID) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " ORDER_ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.requireLogin(); err != nil {
					return err
				}
				if err := fn(c.client.Orders, cmd.Context(), models.ID(args[0])); err != nil {
					return err
				}
				list, err := c.client.Orders.List(cmd.Context())
				if err != nil {
					return err
				}
				return c.print(list)
			},
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List orders", RunE: cmd.RunE},
		act("accept", "Accept the driver assigned to an order", (*orders.Book).Accept),
		act("deny", "Deny the driver assigned to an order", (*orders.Book).Deny),
		act("ignore", "Ignore an order", (*orders.Book).Ignore),
	)
	return cmd
}

func (c *cli) checkoutCmd() *cobra.Command {
	var route string
	var seats int
	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Book seats on a route",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			o, err := c.client.Orders.Checkout(cmd.Context(), models.ID(route), seats)
			if err != nil {
				return err
			}
			return c.print(o)
		},
	}
	cmd.Flags().StringVar(&route, "route", "", "route id")
	cmd.Flags().IntVar(&seats, "seats", 1, "number of seats")
	_ = cmd.MarkFlagRequired("route")
	return cmd
}

func (c *cli) stationsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stations", Short: "Pickup stations"}

	var lat, lon float64
	var limit int
	nearby := &cobra.Command{
		Use:   "nearby",
		Short: "Pickup stations near a coordinate, closest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			limit := limit
			if limit == 0 {
				limit = c.client.Config.NearbyStationsLimit
			}
			out, err := c.client.Stations.Nearby(cmd.Context(), models.Coord{Lat: lat, Lon: lon}, limit)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	nearby.Flags().Float64Var(&lat, "lat", 0, "latitude")
	nearby.Flags().Float64Var(&lon, "lon", 0, "longitude")
	nearby.Flags().IntVar(&limit, "limit", 0, "maximum stations to list")
	_ = nearby.MarkFlagRequired("lat")
	_ = nearby.MarkFlagRequired("lon")

	var seats int
	routes := &cobra.Command{
		Use:   "routes STATION_ID",
		Short: "Routes leaving a station, with the fare for --seats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			list, err := c.client.Stations.Routes(cmd.Context(), models.ID(args[0]))
			if err != nil {
				return err
			}
			type priced struct {
				models.Route
				Fare float64 `json:"fare"`
			}
			out := make([]priced, 0, len(list))
			for _, r := range list {
				fare, err := stations.Fare(r, seats)
				if err != nil {
					return err
				}
				out = append(out, priced{Route: r, Fare: fare})
			}
			return c.print(out)
		},
	}
	routes.Flags().IntVar(&seats, "seats", 1, "seats to price")

	cmd.AddCommand(nearby, routes)
	return cmd
}

func (c *cli) routeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "route", Short: "The driver's routes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the upcoming route and the station the map points at",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireLogin(); err != nil {
				return err
			}
			state := mapstate.New()
			r, err := c.client.Stations.SyncNextRoute(cmd.Context(), state)
			if err != nil {
				return err
			}
			if r == nil {
				fmt.Fprintln(c.out, "no upcoming route")
				return nil
			}
			return c.print(map[string]any{"route": r, "map": state.Snapshot()})
		},
	})
	return cmd
}

// fixedLocation is the device fix given on the command line.
type fixedLocation struct{ c *models.Coord }

func (f fixedLocation) CurrentLocation() (models.Coord, bool) {
	if f.c == nil {
		return models.Coord{}, false
	}
	return *f.c, true
}

func (c *cli) ticketsCmd() *cobra.Command {
	var lat, lon float64
	board := func(cmd *cobra.Command) *tickets.Board {
		var loc fixedLocation
		if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
			loc.c = &models.Coord{Lat: lat, Lon: lon}
		}
		return tickets.NewBoard(c.client.API, loc, c.client.Config.BoardingRadiusM, nil)
	}
	list := func(cmd *cobra.Command, _ []string) error {
		if err := c.requireLogin(); err != nil {
			return err
		}
		v, err := board(cmd).Refresh(cmd.Context())
		if err != nil {
			return err
		}
		return c.print(v)
	}
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "The driver's tickets and the actions each one offers",
		RunE:  list,
	}
	cmd.PersistentFlags().Float64Var(&lat, "lat", 0, "current latitude, needed to confirm boarding")
	cmd.PersistentFlags().Float64Var(&lon, "lon", 0, "current longitude, needed to confirm boarding")

	act := func(action models.TicketAction, short string) *cobra.Command {
		return &cobra.Command{
			Use:   string(action) + " TICKET_ID...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.requireLogin(); err != nil {
					return err
				}
				b := board(cmd)
				if _, err := b.Refresh(cmd.Context()); err != nil {
					return err
				}
				ids := make([]models.ID, 0, len(args))
				for _, a := range args {
					ids = append(ids, models.ID(a))
				}
				v, err := b.Perform(cmd.Context(), action, ids...)
				if err != nil {
					return err
				}
				return c.print(v)
			},
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List tickets", RunE: list},
		act(models.TicketReject, "Reject tickets"),
		act(models.TicketConfirm, "Confirm boarding; requires --lat/--lon within the boarding radius"),
		act(models.TicketCollect, "Collect fares once the group has boarded"),
	)
	return cmd
}

func (c *cli) ticketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ticket", Short: "A single ticket"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show TICKET_ID",
			Short: "Show a ticket",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.requireLogin(); err != nil {
					return err
				}
				t, err := c.client.API.Ticket(cmd.Context(), models.ID(args[0]))
				if err != nil {
					return err
				}
				return c.print(struct {
					models.Ticket
					Label string `json:"label"`
				}{t, tickets.StatusLabel(t.Status)})
			},
		},
		&cobra.Command{
			Use:   "cancel TICKET_ID",
			Short: "Cancel a ticket",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.requireLogin(); err != nil {
					return err
				}
				if err := c.client.API.CancelTicket(cmd.Context(), models.ID(args[0])); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "ticket cancelled")
				return nil
			},
		},
	)
	return cmd
}
