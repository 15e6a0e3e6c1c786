package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/catalog"
	"github.com/wilhg/storefront/pkg/engine"
	"github.com/wilhg/storefront/pkg/localcart"
	"github.com/wilhg/storefront/pkg/orders"
	sfotel "github.com/wilhg/storefront/pkg/otel"
	"github.com/wilhg/storefront/pkg/remotecart"
	"github.com/wilhg/storefront/pkg/session"
	"github.com/wilhg/storefront/pkg/store/entstore"
)

var version = "dev"

const usage = `usage: storefront [flags] <command> [args]

commands:
  register NAME EMAIL PASSWORD
  login EMAIL PASSWORD
  logout
  show
  add PRODUCT_ID [QUANTITY]
  set PRODUCT_ID QUANTITY
  remove PRODUCT_ID
  clear
  reload
  products [CATEGORY]
  checkout ADDRESS
  orders
  order ORDER_ID
`

type config struct {
	api     string
	db      string
	timeout time.Duration
	verbose bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.api, "api", getEnv("STOREFRONT_API", "http://localhost:5000/api"), "backend API base url")
	flag.StringVar(&cfg.db, "db", getEnv("STOREFRONT_DB", "sqlite:file:storefront.sqlite?cache=shared&_pragma=busy_timeout(5000)"), "device database url")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall command timeout")
	flag.BoolVar(&cfg.verbose, "v", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if err := run(ctx, cfg, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "storefront: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("bad arguments, see -h")

func run(ctx context.Context, cfg config, args []string, out io.Writer) error {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if cfg.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	shutdown, err := sfotel.Init(ctx, sfotel.Config{ServiceName: "storefront", ServiceVersion: version, UseStdout: sfotel.Enabled(os.Getenv("STOREFRONT_TRACE"))})
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	device, err := entstore.Open(ctx, cfg.db)
	if err != nil {
		return err
	}
	defer func() { _ = device.Close() }()
	if err := device.Migrate(ctx); err != nil {
		return err
	}

	products := catalog.New(cfg.api, nil)
	provider := session.NewProvider(device, session.NewAuthClient(cfg.api, nil), session.WithLogger(log))
	eng := engine.New(localcart.New(device, localcart.WithLogger(log)), remotecart.New(cfg.api),
		engine.WithSession(provider),
		engine.WithProducts(products),
		engine.WithLogger(log))
	defer func() { _ = eng.Close(ctx) }()

	provider.Restore(ctx)
	if err := eng.WaitIdle(ctx); err != nil {
		return err
	}

	a := &app{
		provider: provider,
		products: products,
		orders:   orders.New(cfg.api, orders.WithProducts(products), orders.WithLogger(log)),
		eng:      eng,
		out:      out,
	}
	if err := a.dispatch(ctx, args); err != nil {
		return err
	}
	if err := eng.WaitIdle(ctx); err != nil {
		return err
	}
	snap := eng.Snapshot()
	printCart(out, provider.Current(), snap)
	if snap.Error != "" {
		return fmt.Errorf("cart %s error: %s", snap.ErrorCategory, snap.Error)
	}
	return eng.Close(ctx)
}

type app struct {
	provider *session.Provider
	products *catalog.Client
	orders   *orders.Client
	eng      *engine.Engine
	out      io.Writer
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	provider, products, eng := a.provider, a.products, a.eng
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		if len(rest) != 3 {
			return errUsage
		}
		return provider.Register(ctx, rest[0], rest[1], rest[2])
	case "login":
		if len(rest) != 2 {
			return errUsage
		}
		return provider.Login(ctx, rest[0], rest[1])
	case "logout":
		return provider.Logout(ctx)
	case "show":
		return nil
	case "reload":
		eng.Reload()
		return nil
	case "clear":
		eng.ClearCart()
		return nil
	case "remove":
		if len(rest) != 1 {
			return errUsage
		}
		eng.RemoveItem(rest[0])
		return nil
	case "set":
		if len(rest) != 2 {
			return errUsage
		}
		qty, err := strconv.Atoi(rest[1])
		if err != nil {
			return errUsage
		}
		eng.UpdateQuantity(rest[0], qty)
		return nil
	case "add":
		if len(rest) < 1 || len(rest) > 2 {
			return errUsage
		}
		qty := 1
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil || n <= 0 {
				return errUsage
			}
			qty = n
		}
		p, err := products.GetProductByID(ctx, rest[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("product %q not found", rest[0])
		}
		eng.AddItem(*p, qty)
		return nil
	case "products":
		if len(rest) > 1 {
			return errUsage
		}
		category := ""
		if len(rest) == 1 {
			category = rest[0]
		}
		list, err := products.ListProducts(ctx, category)
		if err != nil {
			return err
		}
		printProducts(a.out, list)
		return nil
	case "checkout":
		if len(rest) != 1 {
			return errUsage
		}
		o, err := a.orders.Checkout(ctx, eng, provider.Current(), rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "order %s placed, total %s\n", o.ID, o.Total.StringFixed(2))
		return nil
	case "orders":
		list, err := a.orders.List(ctx, provider.Current().Token)
		if err != nil {
			return err
		}
		printOrders(a.out, list)
		return nil
	case "order":
		if len(rest) != 1 {
			return errUsage
		}
		o, err := a.orders.Get(ctx, provider.Current().Token, rest[0])
		if err != nil {
			return err
		}
		printOrder(a.out, o)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printProducts(out io.Writer, list []cart.Product) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tPRICE\tSTOCK")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.ID, p.Name, p.Category, p.Price.StringFixed(2), p.Stock)
	}
	_ = tw.Flush()
}

func printOrders(out io.Writer, list []orders.Order) {
	if len(list) == 0 {
		fmt.Fprintln(out, "no orders")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tPLACED\tSTATUS\tTOTAL")
	for _, o := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ID, o.CreatedAt.Local().Format(time.DateTime), o.Status, o.Total.StringFixed(2))
	}
	_ = tw.Flush()
}

func printOrder(out io.Writer, o orders.Order) {
	fmt.Fprintf(out, "order %s (%s) placed %s\n", o.ID, o.Status, o.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(out, "deliver to: %s\n", o.DeliveryAddress)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tQTY\tPRICE")
	for _, l := range o.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", l.ProductID, l.Name, l.Quantity, l.Price.StringFixed(2))
	}
	fmt.Fprintf(tw, "\t\t\t%s\n", o.Total.StringFixed(2))
	_ = tw.Flush()
}

func printCart(out io.Writer, who session.Snapshot, snap engine.Snapshot) {
	if who.IsAuthenticated && who.User != nil {
		fmt.Fprintf(out, "signed in as %s <%s>\n", who.User.Name, who.User.Email)
	} else {
		fmt.Fprintln(out, "guest")
	}
	if len(snap.Items) == 0 {
		fmt.Fprintln(out, "cart is empty")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tQTY\tPRICE\tSUBTOTAL")
	for _, it := range snap.Items {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", it.ProductID, it.Name, it.Quantity, it.Price.StringFixed(2), it.Subtotal().StringFixed(2))
	}
	fmt.Fprintf(tw, "\t\t%d\t\t%s\n", cart.TotalQuantity(snap.Items), cart.Total(snap.Items).StringFixed(2))
	_ = tw.Flush()
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
