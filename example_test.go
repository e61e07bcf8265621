package traitable_test

import (
	"context"
	"fmt"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/danielorbach/go-component/loader"
	"github.com/go-digitaltwin/go-traitable"
	"github.com/go-digitaltwin/go-traitable/cloudstore"
	"gocloud.dev/pubsub"
)

// First, we declare a class. Classes are usually package-level variables built
// with MustClass; the name of the class is also the collection its instances
// are stored in.

// employee is identified by its email and keeps a history of every save.
var employee = traitable.MustClass("employee",
	traitable.Data("email", traitable.TypeOf[string](), traitable.WithFlags(traitable.IsIdentity)),
	traitable.Data("salary", traitable.TypeOf[float64]()),
	// Computed traits read other traits through the session, which records
	// them as dependencies.
	traitable.Computed("monthly", traitable.TypeOf[float64](), func(s *traitable.Session, o *traitable.Object) (any, error) {
		salary, err := traitable.Get[float64](s, o, "salary")
		return salary / 12, err
	}),
	traitable.KeepHistory(),
)

func ExampleSession() {
	ctx := context.Background()
	rt, err := traitable.New(cloudstore.NewMem(), traitable.WithClasses(employee))
	if err != nil {
		panic(err)
	}
	s := rt.NewSession(ctx)
	// Memoize computed traits for the rest of the session.
	defer s.Enter(traitable.GraphOn)()

	ada, err := s.Create(employee, map[string]any{"email": "ada@example.com", "salary": 120000.0})
	if err != nil {
		panic(err)
	}
	monthly, _ := traitable.Get[float64](s, ada, "monthly")
	fmt.Println(monthly)

	// Writing a dependency invalidates the memoized value.
	_ = ada.Set(s, "salary", 132000.0)
	monthly, _ = traitable.Get[float64](s, ada, "monthly")
	fmt.Println(monthly)

	if err := s.Save(ctx, ada); err != nil {
		panic(err)
	}
	fmt.Println(ada, "at revision", ada.Revision())
	// Output:
	// 10000
	// 11000
	// employee/ada@example.com at revision 1
}

func ExampleSession_AsOf() {
	ctx := context.Background()
	monday := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)
	now := monday
	rt, err := traitable.New(cloudstore.NewMem(),
		traitable.WithClasses(employee),
		traitable.WithClock(func() time.Time { return now }),
	)
	if err != nil {
		panic(err)
	}
	s := rt.NewSession(ctx)

	ada, _ := s.Create(employee, map[string]any{"email": "ada@example.com", "salary": 120000.0})
	_ = s.Save(ctx, ada)
	now = monday.AddDate(0, 0, 1)
	_ = ada.Set(s, "salary", 150000.0)
	_ = s.Save(ctx, ada)

	func() {
		defer s.AsOf(monday.Add(time.Hour))()
		past, err := s.Load(ctx, employee, "ada@example.com")
		if err != nil {
			panic(err)
		}
		salary, _ := past.Get(s, "salary")
		fmt.Println("salary on monday:", salary)
	}()

	salary, _ := ada.Get(s, "salary")
	fmt.Println("salary today:", salary)
	// Output:
	// salary on monday: 120000
	// salary today: 150000
}

// The following example demonstrates how a process keeps track of revisions
// committed by others, so that it can tell which of its cached objects went
// stale. This code is for illustration purposes only and is not meant to be
// executed as is.
func ExampleTrackRevisions() {
	// Normally, the subscription is opened on the topic every Runtime sharing
	// the store publishes to (see WithFeed). For this example, we assume it is
	// stored at the following variable.
	var commits *pubsub.Subscription

	revisions := traitable.NewRevisionMap()
	rt, err := traitable.New(cloudstore.NewMem(),
		traitable.WithClasses(employee),
		traitable.WithRevisionMap(revisions),
	)
	if err != nil {
		panic(err)
	}

	component.RunProc(func(l *component.L) {
		l.Fork("track revisions", traitable.TrackRevisions(revisions, commits))
		l.Go("refresh stale objects", func(l *component.L) {
			s := rt.NewSession(l.Context())
			ada, err := s.Load(l.Context(), employee, "ada@example.com")
			if err != nil {
				l.Fatal(err)
			}
			if rt.Stale(ada) {
				l.Logf("%v is stale, reloading", ada)
				if err := s.Reload(l.Context(), ada); err != nil {
					l.Fatal(err)
				}
			}
		})
	})
}

// Finally, a component wires a Runtime to its document store and feed in its
// Bootstrap function.

// Component persists employees. Real descriptors fill in more fields.
var Component = component.Descriptor{
	Name: "ExampleComponent",
	// ...
	Bootstrap: func(l *component.L, linker component.Linker, options any) error {
		config, err := traitable.LoadConfig("traitable.yaml")
		if err != nil {
			return err
		}
		// Any docstore URL works here, e.g. "mongo://hr/{collection}?id_field={key}".
		store := cloudstore.New(cloudstore.URLOpener("mem://{collection}/{key}"))
		rt, err := traitable.New(store, traitable.WithConfig(config), traitable.WithClasses(employee))
		if err != nil {
			return err
		}
		l.Go("serve", func(l *component.L) {
			s := rt.NewSession(l.Context())
			_ = s // Handle requests with s here.
			<-l.Context().Done()
			_ = rt.Close()
			_ = store.Close()
		})
		return nil
	},
}

func ExampleRuntime_component() {
	loader.ParseFlags(&Component)
	// An executable then links and starts the parsed component.
}
