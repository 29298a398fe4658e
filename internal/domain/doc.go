// Package domain contains the core business entities, value objects, and
// domain logic of the application: the generation task and its state
// machine, generation parameters, and subscription tiers with the priority
// they resolve to. It is independent of any specific infrastructure or
// delivery mechanism.
package domain
