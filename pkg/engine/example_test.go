package engine_test

import (
	"fmt"

	"github.com/openfroyo/devstate/pkg/engine"
)

// Example_buildPlan shows intent expansion in declared order.
func Example_buildPlan() {
	m := &engine.Manifest{Project: "shop"}

	api := &engine.Service{Name: "api", Root: "services/api"}
	_ = api.AddState(&engine.StateDef{ID: "deps", Type: "package.deps"})
	_ = api.AddState(&engine.StateDef{ID: "http", Type: "process.http", Config: engine.Map{"port": engine.Int(4001)}})
	_ = m.AddService(api)

	_ = m.AddIntent(&engine.Intent{
		Name: "feature",
		Desired: []engine.DesiredService{
			{Service: "api", States: []string{"http", "deps"}},
		},
	})

	plan, err := engine.BuildPlan(m, "")
	if err != nil {
		panic(err)
	}

	fmt.Println(plan.Intent)
	for _, item := range plan.Items {
		fmt.Println(item.Key(), item.Type)
	}
	// Output:
	// feature
	// api:http process.http
	// api:deps package.deps
}

// Example_buildEdges shows edge derivation from requires and consumes.
func Example_buildEdges() {
	m := &engine.Manifest{}
	_ = m.AddService(&engine.Service{
		Name:     "web",
		Requires: engine.Requirements{Services: []string{"api"}},
		Consumes: []engine.EnvBinding{{Name: "API_URL", Source: "api.API_URL"}},
	})
	_ = m.AddService(&engine.Service{Name: "api"})

	for _, e := range engine.BuildEdges(m) {
		fmt.Printf("%s -> %s (%s)\n", e.From, e.To, e.Reason)
	}
	// Output:
	// web -> api (requires)
	// web -> api (consumes API_URL)
}
