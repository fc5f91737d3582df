package detect

import (
	"errors"
	"strings"
	"testing"

	"provis/internal/parallel"
	"provis/internal/parse"
	"provis/internal/snapshot"
	"provis/internal/types"
)

func input(t *testing.T, path, src string) Input {
	t.Helper()
	parsed, err := parse.Default().ParseFile(path, []byte(src))
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return Input{
		Path:     path,
		Language: snapshot.LanguageFor(path),
		Content:  []byte(src),
		Parsed:   parsed,
	}
}

func allRoutes(results []Result) []types.RouteItem {
	var out []types.RouteItem
	for _, r := range results {
		out = append(out, r.Routes...)
	}
	return out
}

func TestExpressStructuralRoutes(t *testing.T) {
	src := `
const app = express();
app.get("/users", listUsers);
router.post("/users", auth, createUser);
`
	reg := NewRegistry(4, NewReranker())
	routes := allRoutes(reg.DetectAll(input(t, "src/server.js", src)))
	if len(routes) != 2 {
		t.Fatalf("routes = %+v", routes)
	}
	var get, post types.RouteItem
	for _, r := range routes {
		switch r.Method {
		case "GET":
			get = r
		case "POST":
			post = r
		}
	}
	if get.Path != "/users" || get.Confidence < 0.9 || get.Hypothesis {
		t.Fatalf("get = %+v", get)
	}
	if get.Handler != "listUsers" {
		t.Fatalf("handler = %q", get.Handler)
	}
	if post.Handler != "createUser" || len(post.Middlewares) != 1 || post.Middlewares[0] != "auth" {
		t.Fatalf("post = %+v", post)
	}
	if len(get.Evidence) == 0 || get.Evidence[0].Start < 1 {
		t.Fatalf("evidence = %+v", get.Evidence)
	}
}

func TestFastAPIDecoratorRoute(t *testing.T) {
	src := `
from fastapi import FastAPI
app = FastAPI()

@app.get("/users")
def list_users():
    return []
`
	reg := NewRegistry(4, nil)
	routes := allRoutes(reg.DetectAll(input(t, "api/main.py", src)))
	if len(routes) != 1 {
		t.Fatalf("routes = %+v", routes)
	}
	r := routes[0]
	if r.Method != "GET" || r.Path != "/users" || r.Confidence < 0.9 || r.Hypothesis {
		t.Fatalf("route = %+v", r)
	}
	if r.Handler != "list_users" {
		t.Fatalf("handler = %q", r.Handler)
	}
}

func TestNextJSPathRoutes(t *testing.T) {
	reg := NewRegistry(4, nil)
	src := `export async function GET(req) {}
export async function POST(req) {}`
	routes := allRoutes(reg.DetectAll(input(t, "app/api/users/[id]/route.ts", src)))
	methods := map[string]string{}
	for _, r := range routes {
		methods[r.Method] = r.Path
	}
	if methods["GET"] != "/api/users/[id]" || methods["POST"] != "/api/users/[id]" {
		t.Fatalf("routes = %+v", routes)
	}
}

func TestFallbackRoutesAreHypotheses(t *testing.T) {
	// No framework calls, only a verb table. The string-literal tier
	// must flag everything it produces.
	src := `
const table = ` + "`" + `
  GET "/users"
  POST "/orders"
` + "`" + `;
`
	reg := NewRegistry(4, NewReranker())
	routes := allRoutes(reg.DetectAll(input(t, "src/table.js", src)))
	if len(routes) == 0 {
		t.Fatalf("expected fallback routes")
	}
	for _, r := range routes {
		if !r.Hypothesis || r.ReasonCode != types.ReasonPatternFallback || r.Confidence > 0.5 {
			t.Fatalf("fallback route not flagged: %+v", r)
		}
	}
}

func TestBullQueueJobs(t *testing.T) {
	src := `
emailQueue.add("send-email", payload);
emailQueue.process("send-email", handler);
`
	reg := NewRegistry(4, nil)
	results := reg.DetectAll(input(t, "src/jobs.js", src))
	var jobs []types.JobItem
	for _, r := range results {
		jobs = append(jobs, r.Jobs...)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	var producer, consumer types.JobItem
	for _, j := range jobs {
		if j.Producer != "" {
			producer = j
		}
		if j.Consumer != "" {
			consumer = j
		}
	}
	if producer.Name != "send-email" || !strings.HasSuffix(producer.Producer, ".add") {
		t.Fatalf("producer = %+v", producer)
	}
	if consumer.Name != "send-email" || !strings.HasSuffix(consumer.Consumer, ".process") {
		t.Fatalf("consumer = %+v", consumer)
	}
}

func TestCeleryTaskAndProducer(t *testing.T) {
	src := `
from celery import shared_task

@shared_task
def send_mail(to):
    pass

def trigger():
    send_mail.delay("x@example.com")
`
	reg := NewRegistry(4, nil)
	results := reg.DetectAll(input(t, "tasks.py", src))
	var jobs []types.JobItem
	for _, r := range results {
		jobs = append(jobs, r.Jobs...)
	}
	var consumer, producer bool
	for _, j := range jobs {
		if j.Kind != "celery" {
			continue
		}
		if j.Consumer == "send_mail" {
			consumer = true
		}
		if j.Producer == "send_mail.delay" {
			producer = true
		}
	}
	if !consumer || !producer {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestStoreDetection(t *testing.T) {
	reg := NewRegistry(4, nil)

	prisma := reg.DetectAll(Input{
		Path:    "prisma/schema.prisma",
		Content: []byte("model User {\n id Int @id\n}\nmodel Order {\n id Int @id\n}\n"),
	})
	var stores []types.StoreItem
	for _, r := range prisma {
		stores = append(stores, r.Stores...)
	}
	if len(stores) != 2 || stores[0].Kind != "prisma" {
		t.Fatalf("prisma stores = %+v", stores)
	}

	py := reg.DetectAll(input(t, "models.py", `
class User(Base):
    pass

class Order(models.Model):
    pass
`))
	stores = nil
	for _, r := range py {
		stores = append(stores, r.Stores...)
	}
	kinds := map[string]string{}
	for _, s := range stores {
		kinds[s.Name] = s.Kind
	}
	if kinds["User"] != "sqlalchemy" || kinds["Order"] != "django" {
		t.Fatalf("stores = %+v", stores)
	}
}

func TestExternalDetection(t *testing.T) {
	src := `
import Stripe from "stripe";
const key = process.env.STRIPE_KEY;
const port = process.env.PORT;

class PaymentService {
  charge() {}
}
`
	reg := NewRegistry(4, nil)
	results := reg.DetectAll(input(t, "src/pay.ts", src))
	var externals []types.ExternalItem
	for _, r := range results {
		externals = append(externals, r.Externals...)
	}
	var sdk, env, custom bool
	for _, e := range externals {
		switch {
		case e.Kind == "sdk" && e.Name == "stripe":
			sdk = true
		case e.Kind == "env" && e.Name == "STRIPE_KEY":
			env = true
		case e.Kind == "env" && e.Name == "PORT":
			t.Fatalf("stoplisted env var detected: %+v", e)
		case e.Kind == "custom" && e.Name == "PaymentService":
			custom = true
			if !e.Hypothesis || e.Confidence != 0.5 {
				t.Fatalf("service heuristic = %+v", e)
			}
		}
	}
	if !sdk || !env || !custom {
		t.Fatalf("externals = %+v", externals)
	}
}

type failingDetector struct{}

func (failingDetector) Name() string                 { return "boom" }
func (failingDetector) Detect(Input) (Result, error) { return Result{}, errors.New("boom") }

func TestFailingDetectorYieldsEmptyHypothesis(t *testing.T) {
	reg := &Registry{exec: parallel.Select(2), detectors: []Detector{failingDetector{}, &reactRouterDetector{}}}
	results := reg.DetectAll(input(t, "src/app.tsx", `<Route path="/home" element={<Home/>} />`))
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	failed := results[0]
	if !failed.empty() || !failed.Hypothesis || failed.ReasonCode != types.ReasonUnknown {
		t.Fatalf("failed detector result = %+v", failed)
	}
	if len(results[1].Routes) != 1 {
		t.Fatalf("sibling detector aborted: %+v", results[1])
	}
}

func TestRerankerOrdersByContextFit(t *testing.T) {
	routes := []types.RouteItem{
		{Method: "POST", Path: "/unrelated", Confidence: 0.3, Hypothesis: true},
		{Method: "GET", Path: "/users", Confidence: 0.3, Hypothesis: true},
	}
	content := []byte(`function getUsers() { return fetch("users"); }`)
	r := NewReranker()
	if !r.Available() {
		t.Fatalf("no similarity backend")
	}
	out := r.RerankRoutes(routes, content)
	if out[0].Path != "/users" {
		t.Fatalf("rerank order = %+v", out)
	}
}
