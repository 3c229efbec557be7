package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "auth":
		handleAuth(args)
	case "users":
		handleUsers(args)
	case "provisioning":
		handleProvisioning(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleAuth(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: condominio auth <login|logout|who>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "login":
		loginUser(args[1:])
	case "logout":
		logoutUser()
	case "who":
		whoAmI()
	default:
		fmt.Printf("unknown auth command: %s\n", subCmd)
	}
}

func handleUsers(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: condominio users <create|create-standalone>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "create":
		createUser(args[1:], true)
	case "create-standalone":
		createUser(args[1:], false)
	default:
		fmt.Printf("unknown users command: %s\n", subCmd)
	}
}

func handleProvisioning(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: condominio provisioning <status|resolve>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "status":
		provisioningStatus(args[1:])
	case "resolve":
		resolveProvisioning(args[1:])
	default:
		fmt.Printf("unknown provisioning command: %s\n", subCmd)
	}
}

// Auth commands
func loginUser(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "password")

	fs.Parse(args)

	if *email == "" || *password == "" {
		fmt.Println("Error: email and password are required")
		fs.PrintDefaults()
		return
	}

	payload := map[string]string{"email": *email, "password": *password}
	data, _ := json.Marshal(payload)
	resp, err := http.Post(getAPIURL()+"/login", "application/json", bytes.NewReader(data))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode == 200 {
		if token, ok := result["token"].(string); ok {
			saveToken(token)
			fmt.Printf("✓ Logged in as: %s\n", *email)
		}
		if mcp, ok := result["must_change_password"].(bool); ok && mcp {
			fmt.Println("! Password change required before further use")
		}
	} else {
		fmt.Printf("✗ Login failed: %v\n", result)
	}
}

func logoutUser() {
	os.Remove(tokenFile())
	fmt.Println("✓ Logged out")
}

func whoAmI() {
	token := loadToken()
	if token == "" {
		fmt.Println("Not logged in")
		return
	}
	fmt.Printf("✓ Logged in (token: %s...)\n", token[:20])
}

// User commands
func createUser(args []string, withWorker bool) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "initial password")
	name := fs.String("name", "", "first name")
	surname := fs.String("surname", "", "surname")
	phone := fs.String("phone", "", "phone number (optional)")
	role := fs.String("role", "", "role id")
	docType := fs.String("doc-type", "national-id", "document type (national-id, passport, foreign-resident-card)")
	docNumber := fs.String("doc-number", "", "document number")
	docCountry := fs.String("doc-country", "", "document issuing country")
	position := fs.String("position", "", "worker position")
	department := fs.String("department", "", "worker department")
	contract := fs.String("contract", "", "worker contract type (optional)")

	fs.Parse(args)

	if *email == "" || *password == "" || *name == "" || *surname == "" {
		fmt.Println("Error: email, password, name and surname are required")
		fs.PrintDefaults()
		return
	}

	payload := map[string]interface{}{
		"email":    *email,
		"password": *password,
		"name":     *name,
		"surname":  *surname,
		"phone":    *phone,
		"roleId":   *role,
		"document": map[string]string{
			"type":           *docType,
			"number":         *docNumber,
			"issuingCountry": *docCountry,
		},
	}

	path := "/users/standalone"
	if withWorker {
		if *position == "" {
			fmt.Println("Error: position is required when creating a worker")
			fs.PrintDefaults()
			return
		}
		payload["worker"] = map[string]string{
			"position":     *position,
			"department":   *department,
			"contractType": *contract,
		}
		path = "/users"
	}

	data, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", getAPIURL()+path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode == 201 {
		fmt.Printf("✓ User created: %v\n", result["userId"])
		if tracking, ok := result["trackingId"].(string); ok && tracking != "" {
			fmt.Printf("  Worker provisioning tracking id: %s\n", tracking)
		}
	} else {
		fmt.Printf("✗ Creation failed: %v\n", result)
	}
}

// Provisioning commands
func provisioningStatus(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: condominio provisioning status <tracking-id>")
		return
	}

	req, _ := http.NewRequest("GET", getAPIURL()+"/provisioning/"+args[0], nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode != 200 {
		fmt.Printf("✗ Status lookup failed: %v\n", result)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TRACKING ID\tSTATE\tATTEMPTS\tWORKER ID\tERROR")
	fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
		result["trackingId"], result["state"], result["attempts"], result["workerId"], result["errorMessage"])
	w.Flush()
}

func resolveProvisioning(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolution := fs.String("resolution", "", "compensation_completed or manual_review_required")

	if len(args) < 1 {
		fmt.Println("Usage: condominio provisioning resolve <tracking-id> -resolution <state>")
		return
	}
	trackingID := args[0]
	fs.Parse(args[1:])

	if *resolution == "" {
		fmt.Println("Error: resolution is required")
		fs.PrintDefaults()
		return
	}

	data, _ := json.Marshal(map[string]string{"resolution": *resolution})
	req, _ := http.NewRequest("POST", getAPIURL()+"/provisioning/"+trackingID+"/resolve", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode == 200 {
		fmt.Printf("✓ Request %v resolved to %v\n", result["trackingId"], result["state"])
	} else {
		fmt.Printf("✗ Resolution failed: %v\n", result)
	}
}

// Helper functions
func getAPIURL() string {
	if url := os.Getenv("CONDOMINIO_API"); url != "" {
		return url
	}
	return "http://localhost:8080/api"
}

func tokenFile() string {
	home, _ := os.UserHomeDir()
	return home + "/.condominio/token"
}

func saveToken(token string) error {
	os.MkdirAll(os.Getenv("HOME")+"/.condominio", 0700)
	return os.WriteFile(tokenFile(), []byte(token), 0600)
}

func loadToken() string {
	data, _ := os.ReadFile(tokenFile())
	return string(data)
}

func addAuthHeader(req *http.Request) {
	token := loadToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func printUsage() {
	fmt.Print(`Condominio CLI

Usage:
  condominio <command> [options]

Commands:
  auth          User authentication (login, logout, who)
  users         User operations (create, create-standalone)
  provisioning  Worker provisioning operations (status, resolve)
  help          Show this help message

Environment Variables:
  CONDOMINIO_API    API endpoint (default: http://localhost:8080/api)

Examples:
  condominio auth login -email admin@example.com -password pass
  condominio users create -email w@example.com -password pass -name Ana -surname Rojas \
    -role role-worker -doc-number 12345678 -position concierge -department operations
  condominio provisioning status 4f7c9a52-...
  condominio provisioning resolve 4f7c9a52-... -resolution manual_review_required
`)
}
