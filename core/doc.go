// Package core defines the domain model of the alert lifecycle engine.
//
// It holds the types shared by every other package (Alert, Case, DetectionRule,
// Correlation, Observable, SoarAction, TriageVerdict), the alert status state
// machine, fingerprinting, observable extraction and the concurrency primitives
// (WorkerPool, CircuitBreaker) used by the services.
//
// Persistence lives in storage, business operations in service, detect and
// triage. Interfaces are declared by the packages that consume them.
package core
