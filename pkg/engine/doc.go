// Package engine provides the core data model, error taxonomy, and orchestration
// planner for rolecraft.
//
// # Overview
//
// A project declares services. Each service names a base image and an ordered
// list of roles. The build pipeline turns every service into one image; the
// orchestration planner turns the resolved service map into a lifecycle plan
// that the PlanExecutor applies against a container engine.
//
// # Core Domain Types
//
//   - Project, Config: the resolved project file, also the host to builder wire schema
//   - Service, RoleRef: one buildable unit and the roles applied to it
//   - Plan, Task, ServiceDefinition: the orchestration plan
//   - EngineError: classified errors carrying a kind code
//
// # Lifecycles
//
// Every plan contains tasks for the four lifecycles in the order start,
// restart, stop, destroy. Each task is tagged with its lifecycle so the
// executor can apply one state at a time:
//
//	planner := engine.NewPlanner(logger)
//	plan, err := planner.Plan(project, engine.PlanOptions{})
//	if err != nil {
//	    return err
//	}
//	executor := engine.NewPlanExecutor(driver, nil, logger, engine.ExecutorOptions{})
//	result, err := executor.Apply(ctx, plan, engine.LifecycleStart)
//
// Applying a plan is idempotent: applying destroy over an already destroyed
// project reports no changes.
//
// # Error Handling
//
// Errors carry a class and a kind code:
//
//	if engine.IsKind(err, engine.ErrCodeMissingImage) {
//	    // build first
//	}
//
// engine.ExitCode maps an error to the process exit code.
package engine
